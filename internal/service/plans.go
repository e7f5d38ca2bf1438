package service

import (
	"fmt"
	"sort"
	"strings"

	"creditsync/internal/config"
	"creditsync/internal/model"
)

// DefaultPlans 配置中没有 plans 时使用的内置套餐表
func DefaultPlans() []config.PlanConfig {
	return []config.PlanConfig{
		{PriceID: "price_starter_monthly", Name: "starter", DisplayName: "Starter", DisplayPrice: "$9.99/mo", Credits: 300, Interval: model.PlanIntervalMonthly},
		{PriceID: "price_creator_monthly", Name: "creator", DisplayName: "Creator", DisplayPrice: "$19.99/mo", Credits: 500, Interval: model.PlanIntervalMonthly},
		{PriceID: "price_pro_monthly", Name: "pro", DisplayName: "Pro", DisplayPrice: "$49.99/mo", Credits: 1500, Interval: model.PlanIntervalMonthly},
		{PriceID: "price_pro_yearly", Name: "pro_yearly", DisplayName: "Pro (Yearly)", DisplayPrice: "$499/yr", Credits: 18000, Interval: model.PlanIntervalYearly},
	}
}

// PlanCatalog 价格ID -> 套餐，构建后只读，可并发访问
type PlanCatalog struct {
	byPrice  map[string]model.Plan
	ordered  []model.Plan
	fallback model.Plan
}

// NewPlanCatalog defaultPlan 为空时以第一个套餐作为兜底套餐
func NewPlanCatalog(plans []config.PlanConfig, defaultPlan string) (*PlanCatalog, error) {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}

	c := &PlanCatalog{byPrice: make(map[string]model.Plan, len(plans))}
	found := false
	for i, p := range plans {
		plan := model.Plan{
			PriceID:      p.PriceID,
			Name:         p.Name,
			DisplayName:  p.DisplayName,
			DisplayPrice: p.DisplayPrice,
			Credits:      p.Credits,
			Interval:     p.Interval,
		}
		if plan.DisplayName == "" {
			plan.DisplayName = plan.Name
		}
		if _, dup := c.byPrice[plan.PriceID]; dup {
			return nil, fmt.Errorf("套餐 price_id 重复: %s", plan.PriceID)
		}
		c.byPrice[plan.PriceID] = plan
		c.ordered = append(c.ordered, plan)

		if !found && ((defaultPlan == "" && i == 0) || plan.Name == defaultPlan) {
			c.fallback = plan
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("兜底套餐不存在: %s", defaultPlan)
	}

	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].Credits < c.ordered[j].Credits
	})
	return c, nil
}

// Resolve 未知或空的价格ID返回 ErrUnresolvedPlan
func (c *PlanCatalog) Resolve(priceID string) (model.Plan, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return model.Plan{}, fmt.Errorf("%w: empty price id", model.ErrUnresolvedPlan)
	}
	plan, ok := c.byPrice[priceID]
	if !ok {
		return model.Plan{}, fmt.Errorf("%w: %s", model.ErrUnresolvedPlan, priceID)
	}
	return plan, nil
}

func (c *PlanCatalog) Default() model.Plan {
	return c.fallback
}

// All 按积分从少到多排列
func (c *PlanCatalog) All() []model.Plan {
	out := make([]model.Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

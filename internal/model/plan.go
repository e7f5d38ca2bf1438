package model

const (
	PlanIntervalMonthly = "monthly"
	PlanIntervalYearly  = "yearly"
)

// Plan 套餐定义（静态参考数据，运行期只读）
type Plan struct {
	PriceID      string `json:"price_id"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	DisplayPrice string `json:"display_price"`
	Credits      int64  `json:"credits"`
	Interval     string `json:"interval"`
}

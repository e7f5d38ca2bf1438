package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求全局唯一、趋势递增；多实例部署时每个实例使用不同的 workerID
//
//   0 - 41位时间戳 - 10位节点ID - 12位序列号
//
// ============================================================================

func init() {
	// 与历史流水号保持同一起点（2024-01-01 00:00:00 UTC）
	snowflake.Epoch = 1704067200000
}

var (
	defaultNode *snowflake.Node
	mu          sync.Mutex
)

// Init 初始化默认ID生成器，workerID 取值 0-1023
func Init(workerID int64) error {
	mu.Lock()
	defer mu.Unlock()

	node, err := snowflake.NewNode(workerID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	defaultNode = node
	return nil
}

// NextID 生成下一个ID
func NextID() snowflake.ID {
	mu.Lock()
	node := defaultNode
	mu.Unlock()

	if node == nil {
		// 未显式初始化时默认使用 workerID = 1
		if err := Init(1); err != nil {
			panic(err)
		}
		return NextID()
	}
	return node.Generate()
}

// GenerateTransactionNo 生成积分流水号
// 格式：TXN + 雪花ID，例如 TXN1745532118021656576
func GenerateTransactionNo() string {
	return fmt.Sprintf("TXN%s", NextID().String())
}

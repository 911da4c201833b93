package goal

import "context"

// Store 抽象了目标及其任务的持久化接口。
// Save 对目标记录整体生效，调用方观察不到部分更新。
type Store interface {
	Create(ctx context.Context, g *Goal) error
	Get(ctx context.Context, id string) (*Goal, error)
	Save(ctx context.Context, g *Goal) error
	List(ctx context.Context, opts ListOptions) ([]*Goal, error)
	// Archive 将目标移入历史区，之后 Get/List 不再返回该目标。
	Archive(ctx context.Context, id string) error
	ListArchived(ctx context.Context, opts ListOptions) ([]*Goal, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

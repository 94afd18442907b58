package agiso

import (
	"log/slog"

	"github.com/Driftcell/goofish-v2/internal/objstore"
)

// Market 组合查询客户端与发布器，提供流水线所需的完整市场侧操作。
type Market struct {
	*Client
	*Publisher
}

// NewMarket 按租户凭证创建市场客户端。
func NewMarket(client *Client, storage objstore.Storage, log *slog.Logger) *Market {
	return &Market{
		Client:    client,
		Publisher: NewPublisher(client, storage, log),
	}
}

package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"strings" // 字符串处理

	"github.com/jackc/pgx/v5"         // pgx 接口
	"github.com/jackc/pgx/v5/pgxpool" // 连接池

	"multitenant-template/shared/dbx" // 事务上下文
)

type DBTX = dbx.DBTX // 数据库事务/连接抽象

type batcher interface { // 批量执行（连接池与事务均实现）
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults // 发送批次
}

func conn(ctx context.Context, pool *pgxpool.Pool) DBTX { // 优先使用上下文中的事务
	return dbx.Conn(ctx, pool)
}

func nullIfEmpty(v string) any { // 空字符串写入 NULL
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package persist

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/maoniu-cloud/collab-broker/internal/config"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const WorkCollectionName = "works"

// MongoBackend 直连MongoDB保存画布数据，适合和主站同库部署的场景
type MongoBackend struct {
	client           *mongo.Client
	works            *mongo.Collection
	operationTimeout time.Duration
}

type workRecord struct {
	WorkID    string    `bson:"work_id"`
	Payload   string    `bson:"payload"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func NewMongoBackend(config c.Config) (*MongoBackend, error) {
	logger.DebugF("Connecting to database...")

	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.Database.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(config.Database.Heartbeat))
	if config.Database.UseTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: false,
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %v", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %v", err)
	}

	works := client.Database(config.Database.Database).Collection(WorkCollectionName)

	_, err = works.Indexes().CreateOne(
		context.Background(),
		mongo.IndexModel{
			Keys:    bson.D{{Key: "work_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("works_work_id_unique"),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}

	return &MongoBackend{
		client:           client,
		works:            works,
		operationTimeout: utils.DurationOr(config.Database.OperationTimeout, 10*time.Second),
	}, nil
}

func (b *MongoBackend) Flush(ctx context.Context, workID string, payload []byte, _ string) error {
	ctx, cancel := context.WithTimeout(ctx, b.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "work_id", Value: workID}}
	opts := options.Replace().SetUpsert(true)
	record := workRecord{WorkID: workID, Payload: string(payload), UpdatedAt: time.Now()}

	result, err := b.works.ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: unique key conflicts: %v", ErrPersistFailed, err)
		}
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	logger.InfoF("Work saved: work_id=%s, matched=%d, modified=%d, upserted=%v",
		workID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)

	return nil
}

type MongoCloseCallback struct {
	backend *MongoBackend
}

func NewMongoCloseCallback(backend *MongoBackend) *MongoCloseCallback {
	return &MongoCloseCallback{backend: backend}
}

func (mc *MongoCloseCallback) Invoke(_ context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), mc.backend.operationTimeout)
	defer cancel()
	return mc.backend.client.Disconnect(ctx)
}

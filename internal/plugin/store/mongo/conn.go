package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/dbconn"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Conns is the connection manager for a MongoDB deployment.
type Conns = dbconn.Manager[*mongo.Client]

// Dialer opens MongoDB clients for a dbconn.Manager.
type Dialer struct {
	URI                    string
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
}

func (d Dialer) Dial(_ context.Context) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(d.URI).
		SetAppName("vltx").
		SetBSONOptions(&options.BSONOptions{DefaultDocumentMap: true})
	if d.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.ConnectTimeout)
	}
	if d.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(d.ServerSelectionTimeout)
	}
	if d.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(d.MaxPoolSize)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client, nil
}

func (d Dialer) Ping(ctx context.Context, client *mongo.Client) error {
	return client.Ping(ctx, nil)
}

func (d Dialer) Close(ctx context.Context, client *mongo.Client) error {
	return client.Disconnect(ctx)
}

// NewConns creates a lazily-connecting manager for uri using the timeouts in cfg.
func NewConns(cfg *config.Config, uri string) *Conns {
	d := Dialer{
		URI:                    uri,
		ConnectTimeout:         cfg.DBConnectTimeout,
		ServerSelectionTimeout: cfg.DBServerSelectionTimeout,
	}
	if cfg.DBMaxOpenConns > 0 {
		d.MaxPoolSize = uint64(cfg.DBMaxOpenConns)
	}
	return dbconn.New[*mongo.Client](d, dbconn.Options{
		Name:           "mongo",
		ConnectTimeout: cfg.DBConnectTimeout,
		ProbeTimeout:   cfg.DBProbeTimeout,
	})
}

type connsKey struct{}

// WithConns returns a context carrying a shared manager so the store and the
// GridFS media store use a single client.
func WithConns(ctx context.Context, conns *Conns) context.Context {
	return context.WithValue(ctx, connsKey{}, conns)
}

// ConnsFromContext returns the shared manager, or nil.
func ConnsFromContext(ctx context.Context) *Conns {
	conns, _ := ctx.Value(connsKey{}).(*Conns)
	return conns
}

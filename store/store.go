// Package store persists finished test results. Persistence is opt-in; the
// default kind keeps nothing.
package store

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/orchestrator"
)

// Kinds of result store.
const (
	KindNone     = "none"
	KindFile     = "file"
	KindDynamoDB = "dynamodb"
	KindMySQL    = "mysql"
	KindAzure    = "azblob"
)

// Store saves one result per session.
type Store interface {
	Save(ctx context.Context, result *orchestrator.TestResult) error
	Close() error
}

var _ orchestrator.ResultSink = Store(nil)

// Config selects and configures a store.
type Config struct {
	Kind string

	// file
	Dir string

	// dynamodb
	Table string

	// mysql
	MySQL MySQLConfig

	// azblob: either a connection string or an account URL used with the
	// default Azure credential chain.
	AzureConnectionString string
	AzureAccountURL       string
	AzureContainer        string
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindNone:
		return Nop{}, nil
	case KindFile:
		return NewFile(cfg.Dir)
	case KindDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, calltest.NewError(calltest.CodeConfig, "aws", fmt.Errorf("store: load aws config: %w", err))
		}
		return NewDynamoDB(dynamodb.NewFromConfig(awsCfg), cfg.Table)
	case KindMySQL:
		return OpenMySQL(ctx, cfg.MySQL)
	case KindAzure:
		return OpenAzureBlob(cfg.AzureConnectionString, cfg.AzureAccountURL, cfg.AzureContainer)
	default:
		return nil, calltest.NewError(calltest.CodeConfig, "RESULT_STORE", fmt.Errorf("store: unknown kind %q", cfg.Kind))
	}
}

// Nop discards results.
type Nop struct{}

func (Nop) Save(context.Context, *orchestrator.TestResult) error { return nil }
func (Nop) Close() error                                          { return nil }

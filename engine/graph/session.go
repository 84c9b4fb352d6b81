package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// CypherResult is the minimal read interface over a neo4j result stream.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// CypherRunner runs cypher statements. Both sessions and managed
// transactions satisfy it.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
}

// CypherSession is the minimal session interface the store needs.
type CypherSession interface {
	CypherRunner
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
	Close(ctx context.Context) error
}

// SessionOpener opens sessions. The production implementation wraps a
// neo4j driver; tests substitute fakes.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

type driverOpener struct {
	driver neo4j.DriverWithContext
}

func (o *driverOpener) OpenSession(ctx context.Context) CypherSession {
	return &driverSession{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

type driverSession struct {
	sess neo4j.SessionWithContext
}

func (s *driverSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return s.sess.Run(ctx, cypher, params)
}

func (s *driverSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(&txRunner{tx: tx})
	})
}

func (s *driverSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

type txRunner struct {
	tx neo4j.ManagedTransaction
}

func (r *txRunner) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return r.tx.Run(ctx, cypher, params)
}

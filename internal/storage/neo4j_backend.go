package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Benny93/cdrgraph/internal/aggregate"
	"github.com/Benny93/cdrgraph/internal/config"
	"github.com/Benny93/cdrgraph/internal/graph"
	"github.com/Benny93/cdrgraph/internal/logger"
)

// Neo4jStore is a Store backed by a Neo4j database. Parties are stored as
// (:Party {key}) nodes and each edge as one [:CALLED {id}] relationship
// running from Pair.A to Pair.B.
//
// Upserts lock the node or relationship with a write inside the
// transaction before reading it, so the read-modify-write is serialized by
// Neo4j and the merge function is applied in Go exactly as with the other
// backends.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logger.Logger
}

// NewNeo4jStore connects to Neo4j, verifies connectivity and ensures the
// uniqueness constraint on party keys exists.
func NewNeo4jStore(ctx context.Context, cfg config.Neo4jConfig, log *logger.Logger) (*Neo4jStore, error) {
	if log == nil {
		log = logger.NewNop()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		if cfg.MaxPoolSize > 0 {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
		}
		c.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("%w: neo4j: init driver: %w", graph.ErrConfiguration, err)
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, graph.Unavailable("neo4j: verify connectivity", err)
	}

	s := &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		log:      log.With("client", "Neo4jStore"),
	}
	s.ensureSchema(ctx)
	return s, nil
}

// ensureSchema creates the party key constraint. Failure is logged and
// ignored since restricted users may not manage schema.
func (s *Neo4jStore) ensureSchema(ctx context.Context) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `CREATE CONSTRAINT party_key_unique IF NOT EXISTS FOR (p:Party) REQUIRE p.key IS UNIQUE`, nil)
	if err != nil {
		s.log.Warn("neo4j schema init failed (continuing)", "error", err)
		return
	}
	_, _ = res.Consume(ctx)
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

func (s *Neo4jStore) ready(op string) error {
	if s.driver == nil {
		return graph.Unavailable(op, errClosed)
	}
	return nil
}

func (s *Neo4jStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return graph.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const upsertNodeLock = `
MERGE (p:Party {key: $key})
ON CREATE SET p._created = true
SET p._lock = true
RETURN properties(p) AS props
`

const upsertNodeWrite = `
MATCH (p:Party {key: $key})
SET p += $props
REMOVE p._created, p._lock
`

// UpsertNode implements Store.
func (s *Neo4jStore) UpsertNode(ctx context.Context, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error) {
	if err := s.ready("upsert node"); err != nil {
		return graph.PartyNode{}, err
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return upsertNodeTx(ctx, tx, id, merge)
	})
	if err != nil {
		return graph.PartyNode{}, s.wrap("upsert node", err)
	}
	return out.(graph.PartyNode), nil
}

func upsertNodeTx(ctx context.Context, tx neo4j.ManagedTransaction, id string, merge graph.NodeMergeFunc) (graph.PartyNode, error) {
	props, err := singleProps(ctx, tx, upsertNodeLock, map[string]any{"key": id})
	if err != nil {
		return graph.PartyNode{}, err
	}
	_, isNew := props["_created"]

	node := merge(nodeFromProps(props), !isNew)
	node.Key = id

	res, err := tx.Run(ctx, upsertNodeWrite, map[string]any{"key": id, "props": nodeProps(node)})
	if err != nil {
		return graph.PartyNode{}, err
	}
	if _, err := res.Consume(ctx); err != nil {
		return graph.PartyNode{}, err
	}
	return node, nil
}

const upsertEdgeLock = `
MERGE (a:Party {key: $a})
MERGE (b:Party {key: $b})
MERGE (a)-[r:CALLED {id: $id}]->(b)
ON CREATE SET r._created = true
SET r._lock = true
RETURN properties(r) AS props
`

const upsertEdgeWrite = `
MATCH (:Party {key: $a})-[r:CALLED {id: $id}]->(:Party {key: $b})
SET r += $props
REMOVE r._created, r._lock
`

// UpsertEdge implements Store.
func (s *Neo4jStore) UpsertEdge(ctx context.Context, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, error) {
	if err := s.ready("upsert edge"); err != nil {
		return graph.CallEdge{}, err
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return upsertEdgeTx(ctx, tx, key, merge)
	})
	if err != nil {
		return graph.CallEdge{}, s.wrap("upsert edge", err)
	}
	return out.(graph.CallEdge), nil
}

func upsertEdgeTx(ctx context.Context, tx neo4j.ManagedTransaction, key graph.EdgeKey, merge graph.EdgeMergeFunc) (graph.CallEdge, error) {
	params := map[string]any{"a": key.Pair.A, "b": key.Pair.B, "id": key.ID()}

	props, err := singleProps(ctx, tx, upsertEdgeLock, params)
	if err != nil {
		return graph.CallEdge{}, err
	}
	_, isNew := props["_created"]

	existing, err := edgeFromProps(key, props)
	if err != nil {
		return graph.CallEdge{}, err
	}
	edge := merge(existing, !isNew)
	edge.Key = key

	write, err := edgeProps(edge)
	if err != nil {
		return graph.CallEdge{}, err
	}
	params["props"] = write
	res, err := tx.Run(ctx, upsertEdgeWrite, params)
	if err != nil {
		return graph.CallEdge{}, err
	}
	if _, err := res.Consume(ctx); err != nil {
		return graph.CallEdge{}, err
	}
	return edge, nil
}

// ApplyRecord implements RecordWriter. Both nodes and the edge are written
// in one managed transaction.
func (s *Neo4jStore) ApplyRecord(ctx context.Context, rec graph.CallRecord) error {
	if err := s.ready("apply record"); err != nil {
		return err
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, p := range recordParties(rec) {
			if _, err := upsertNodeTx(ctx, tx, p.ID, aggregate.PartyObserver(p, rec.Start)); err != nil {
				return nil, err
			}
		}
		key, _ := rec.EdgeKey()
		return upsertEdgeTx(ctx, tx, key, aggregate.EdgeMerger(rec))
	})
	return s.wrap("apply record", err)
}

// Neighbors implements Store.
func (s *Neo4jStore) Neighbors(ctx context.Context, id string) ([]graph.Neighbor, error) {
	if err := s.ready("neighbors"); err != nil {
		return nil, err
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (p:Party {key: $key})-[r:CALLED]-(:Party)
MATCH (a:Party)-[r]->(b:Party)
RETURN DISTINCT a.key AS a, b.key AS b, properties(r) AS props
ORDER BY props.id
`, map[string]any{"key": id})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		neighbors := make([]graph.Neighbor, 0, len(records))
		for _, rec := range records {
			a, _ := rec.Get("a")
			b, _ := rec.Get("b")
			raw, _ := rec.Get("props")
			props, _ := raw.(map[string]any)

			pair, _ := graph.NewPairKey(asString(a), asString(b))
			key := graph.EdgeKey{Pair: pair, Type: graph.RecordType(asString(props["type"]))}
			edge, err := edgeFromProps(key, props)
			if err != nil {
				return nil, err
			}
			neighbors = append(neighbors, graph.Neighbor{Party: pair.Other(id), Edge: edge})
		}
		return neighbors, nil
	})
	if err != nil {
		return nil, s.wrap("neighbors", err)
	}
	return out.([]graph.Neighbor), nil
}

// GetNode implements Store.
func (s *Neo4jStore) GetNode(ctx context.Context, id string) (graph.PartyNode, bool, error) {
	if err := s.ready("get node"); err != nil {
		return graph.PartyNode{}, false, err
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (p:Party {key: $key}) RETURN properties(p) AS props`, map[string]any{"key": id})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		raw, _ := records[0].Get("props")
		props, _ := raw.(map[string]any)
		return nodeFromProps(props), nil
	})
	if err != nil {
		return graph.PartyNode{}, false, s.wrap("get node", err)
	}
	if out == nil {
		return graph.PartyNode{}, false, nil
	}
	return out.(graph.PartyNode), true, nil
}

// Stats implements Store.
func (s *Neo4jStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready("stats"); err != nil {
		return Stats{}, err
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
CALL { MATCH (p:Party) RETURN count(p) AS nodes }
CALL { MATCH ()-[r:CALLED]->() RETURN count(r) AS edges }
RETURN nodes, edges
`, nil)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		nodes, _ := rec.Get("nodes")
		edges, _ := rec.Get("edges")
		return Stats{Backend: "neo4j", Nodes: int(asInt64(nodes)), Edges: int(asInt64(edges))}, nil
	})
	if err != nil {
		return Stats{}, s.wrap("stats", err)
	}
	return out.(Stats), nil
}

// Close implements Store.
func (s *Neo4jStore) Close() error {
	if s == nil || s.driver == nil {
		return nil
	}
	err := s.driver.Close(context.Background())
	s.driver = nil
	return err
}

func singleProps(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) (map[string]any, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return nil, err
	}
	raw, _ := rec.Get("props")
	props, _ := raw.(map[string]any)
	return props, nil
}

// Property encoding. Neo4j properties cannot hold maps or durations, so
// times are stored as DateTime values (absent when zero), durations as
// nanoseconds and the status tally as a JSON string.

func nodeProps(n graph.PartyNode) map[string]any {
	return map[string]any{
		"label":       n.Label,
		"resolved":    n.Resolved,
		"firstSeen":   toTemporal(n.FirstSeen),
		"lastSeen":    toTemporal(n.LastSeen),
		"recordCount": n.RecordCount,
	}
}

func nodeFromProps(props map[string]any) graph.PartyNode {
	if _, isNew := props["_created"]; isNew {
		return graph.PartyNode{Key: asString(props["key"])}
	}
	resolved, _ := props["resolved"].(bool)
	return graph.PartyNode{
		Key:         asString(props["key"]),
		Label:       asString(props["label"]),
		Resolved:    resolved,
		FirstSeen:   fromTemporal(props["firstSeen"]),
		LastSeen:    fromTemporal(props["lastSeen"]),
		RecordCount: asInt64(props["recordCount"]),
	}
}

func edgeProps(e graph.CallEdge) (map[string]any, error) {
	statuses := ""
	if len(e.Statuses) > 0 {
		data, err := json.Marshal(e.Statuses)
		if err != nil {
			return nil, fmt.Errorf("marshaling statuses: %w", err)
		}
		statuses = string(data)
	}
	return map[string]any{
		"type":            string(e.Key.Type),
		"count":           e.Count,
		"totalDurationNs": int64(e.TotalDuration),
		"firstStart":      toTemporal(e.FirstStart),
		"lastStart":       toTemporal(e.LastStart),
		"forward":         e.Directions.Forward,
		"reverse":         e.Directions.Reverse,
		"statusesJson":    statuses,
	}, nil
}

func edgeFromProps(key graph.EdgeKey, props map[string]any) (graph.CallEdge, error) {
	if _, isNew := props["_created"]; isNew {
		return graph.CallEdge{Key: key}, nil
	}
	e := graph.CallEdge{
		Key:           key,
		Count:         asInt64(props["count"]),
		TotalDuration: time.Duration(asInt64(props["totalDurationNs"])),
		FirstStart:    fromTemporal(props["firstStart"]),
		LastStart:     fromTemporal(props["lastStart"]),
		Directions: graph.DirectionTally{
			Forward: asInt64(props["forward"]),
			Reverse: asInt64(props["reverse"]),
		},
	}
	if raw := asString(props["statusesJson"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Statuses); err != nil {
			return graph.CallEdge{}, fmt.Errorf("decoding statuses of %s: %w", key.ID(), err)
		}
	}
	return e, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toTemporal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromTemporal(v any) time.Time {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}
	}
	return t.UTC()
}

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

// Neo4jStore implements Store over the Neo4j bolt driver. Every node
// carries the Entity label with _type/_pk identity properties and a _doc
// JSON payload, so all Cypher here stays fully parameterized. Relations use
// a single RELATES relationship type discriminated by a _name property.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// Neo4jOptions configures the Neo4j connection.
type Neo4jOptions struct {
	URI      string
	Username string
	Password string
	Database string

	ConnectTimeout time.Duration
	MaxPoolSize    int
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, opts Neo4jOptions, logger *zap.Logger) (*Neo4jStore, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxPoolSize == 0 {
		opts.MaxPoolSize = 50
	}

	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""),
		func(cfg *neo4j.Config) {
			cfg.MaxConnectionPoolSize = opts.MaxPoolSize
			cfg.SocketConnectTimeout = opts.ConnectTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	return &Neo4jStore{
		driver:   driver,
		database: opts.Database,
		logger:   logger.Named("neo4j-store"),
	}, nil
}

var _ Store = (*Neo4jStore)(nil)

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func (s *Neo4jStore) UpsertEntity(ctx context.Context, entity *models.Entity, clientName string, freshUntil time.Time) error {
	pk, err := entity.PrimaryKey()
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	doc, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity %s/%s: %w", entity.EntityType, pk, err)
	}

	// Scalar property projection enables FindEntities filters without
	// unpacking the JSON document server-side.
	flat := make(map[string]any, entity.AllProperties.Len())
	for _, key := range entity.AllProperties.Keys() {
		v, _ := entity.AllProperties.Get(key)
		flat["p_"+key] = v.AsString()
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (e:Entity {_type: $type, _pk: $pk})
			SET e += $flat,
			    e._doc = $doc,
			    e._client = $client,
			    e._fresh_until = $freshUntil`
		_, err := tx.Run(ctx, query, map[string]any{
			"type":       entity.EntityType,
			"pk":         pk,
			"flat":       flat,
			"doc":        string(doc),
			"client":     clientName,
			"freshUntil": freshUntil.Unix(),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert entity %s/%s: %w", entity.EntityType, pk, err)
	}
	return nil
}

func (s *Neo4jStore) GetEntity(ctx context.Context, entityType, primaryKey string) (*models.Entity, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Entity {_type: $type, _pk: $pk}) RETURN e._doc AS doc LIMIT 1`,
			map[string]any{"type": entityType, "pk": primaryKey})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.ErrNotFound
		}
		doc, _ := res.Record().Get("doc")
		return doc, nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("entity %s/%s: %w", entityType, primaryKey, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get entity %s/%s: %w", entityType, primaryKey, err)
	}

	return unmarshalEntityDoc(result)
}

func (s *Neo4jStore) FindEntities(ctx context.Context, entityType string, propertyFilter map[string]models.PropertyValue) ([]*models.Entity, error) {
	filter := map[string]any{"_type": entityType}
	for prop, v := range propertyFilter {
		filter["p_"+prop] = v.AsString()
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	docs, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Entity) WHERE ALL(k IN keys($filter) WHERE e[k] = $filter[k])
			 RETURN e._doc AS doc ORDER BY e._pk`,
			map[string]any{"filter": filter})
		if err != nil {
			return nil, err
		}
		var out []any
		for res.Next(ctx) {
			doc, _ := res.Record().Get("doc")
			out = append(out, doc)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find entities %s: %w", entityType, err)
	}

	rawDocs := docs.([]any)
	entities := make([]*models.Entity, 0, len(rawDocs))
	for _, doc := range rawDocs {
		entity, err := unmarshalEntityDoc(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable entity document",
				zap.String("entity_type", entityType),
				zap.Error(err))
			continue
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func (s *Neo4jStore) ListEntityTypes(ctx context.Context) ([]string, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	types, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Entity) RETURN DISTINCT e._type AS type ORDER BY type`, nil)
		if err != nil {
			return nil, err
		}
		var out []string
		for res.Next(ctx) {
			if t, ok := res.Record().Get("type"); ok {
				if name, ok := t.(string); ok {
					out = append(out, name)
				}
			}
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	return types.([]string), nil
}

func (s *Neo4jStore) UpsertRelation(ctx context.Context, relation *models.Relation, clientName string, freshUntil time.Time, ignoreDirection bool) error {
	props := make(map[string]any, len(relation.RelationProperties))
	for k, v := range relation.RelationProperties {
		props["p_"+k] = v.AsString()
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (a:Entity {_type: $fromType, _pk: $fromPK})
		MATCH (b:Entity {_type: $toType, _pk: $toPK})
		MERGE (a)-[r:RELATES {_name: $name}]->(b)
		SET r += $props, r._client = $client, r._fresh_until = $freshUntil`
	if ignoreDirection {
		query = `
		MATCH (a:Entity {_type: $fromType, _pk: $fromPK})
		MATCH (b:Entity {_type: $toType, _pk: $toPK})
		MERGE (a)-[r:RELATES {_name: $name}]-(b)
		SET r += $props, r._client = $client, r._fresh_until = $freshUntil`
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, map[string]any{
			"fromType":   relation.From.EntityType,
			"fromPK":     relation.From.PrimaryKey,
			"toType":     relation.To.EntityType,
			"toPK":       relation.To.PrimaryKey,
			"name":       relation.RelationName,
			"props":      props,
			"client":     clientName,
			"freshUntil": freshUntil.Unix(),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert relation %s (%s -> %s): %w",
			relation.RelationName, relation.From.EntityType, relation.To.EntityType, err)
	}
	return nil
}

func (s *Neo4jStore) GetRelationPaths(ctx context.Context, typeA, typeB string) ([]RelationPath, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	paths, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (a:Entity)-[r:RELATES]->(b:Entity)
			 WHERE (a._type = $typeA AND b._type = $typeB)
			    OR (a._type = $typeB AND b._type = $typeA)
			 RETURN DISTINCT a._type AS fromType, b._type AS toType, r._name AS name`,
			map[string]any{"typeA": typeA, "typeB": typeB})
		if err != nil {
			return nil, err
		}
		var out []RelationPath
		for res.Next(ctx) {
			record := res.Record()
			fromType, _ := record.Get("fromType")
			toType, _ := record.Get("toType")
			name, _ := record.Get("name")
			out = append(out, RelationPath{
				FromType:     asString(fromType),
				ToType:       asString(toType),
				RelationName: asString(name),
			})
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get relation paths %s <-> %s: %w", typeA, typeB, err)
	}
	return paths.([]RelationPath), nil
}

func (s *Neo4jStore) RemoveStaleEntities(ctx context.Context) (int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	removed, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Entity)
			 WHERE e._fresh_until IS NOT NULL AND e._fresh_until < $now
			 WITH e LIMIT $batch
			 DETACH DELETE e
			 RETURN count(e) AS removed`,
			map[string]any{"now": time.Now().Unix(), "batch": 10_000})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("removed")
		count, _ := n.(int64)
		return int(count), nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove stale entities: %w", err)
	}
	n := removed.(int)
	if n > 0 {
		s.logger.Info("removed stale entities", zap.Int("count", n))
	}
	return n, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func unmarshalEntityDoc(doc any) (*models.Entity, error) {
	raw, ok := doc.(string)
	if !ok {
		return nil, fmt.Errorf("entity document is not a string")
	}
	var entity models.Entity
	if err := json.Unmarshal([]byte(raw), &entity); err != nil {
		return nil, fmt.Errorf("unmarshal entity document: %w", err)
	}
	return &entity, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

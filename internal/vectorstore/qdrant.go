package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("ragd.vectorstore.qdrant")

// pointNamespace seeds deterministic point UUIDs so re-upserting a chunk
// id overwrites the same point.
var pointNamespace = uuid.MustParse("6f1c7a52-3f0e-4c55-9d8e-2b6f5a0d9e41")

const (
	payloadID      = "id"
	maxMessageSize = 50 * 1024 * 1024
)

// Qdrant stores all namespaces in one collection and isolates them with a
// mandatory namespace payload filter on every read and delete.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	vectorSize uint64
	policy     retry.Policy

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrant connects to Qdrant over gRPC. The collection is created on
// first write if missing.
func NewQdrant(cfg config.QdrantConfig, policy retry.Policy) (*Qdrant, error) {
	if cfg.Collection == "" || cfg.VectorSize == 0 {
		return nil, fmt.Errorf("%w: qdrant collection and vector size are required", ErrIndex)
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey.Value(),
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrIndex, err)
	}
	return &Qdrant{
		client:     client,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		policy:     policy,
	}, nil
}

func (q *Qdrant) Name() string { return "qdrant" }
func (q *Qdrant) Close() error { return q.client.Close() }

// transientGRPC reports gRPC failures worth retrying.
func transientGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}

func (q *Qdrant) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, q.policy, transientGRPC, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return fmt.Errorf("%w: %s: %w", ErrCapacityExceeded, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIndex, op, err)
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	q.ensureOnce.Do(func() {
		q.ensureErr = q.do(ctx, "ensure collection", func(ctx context.Context) error {
			exists, err := q.client.CollectionExists(ctx, q.collection)
			if err != nil || exists {
				return err
			}
			err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: q.collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     q.vectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil {
				return err
			}
			_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: q.collection,
				FieldName:      MetaNamespace,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
	})
	return q.ensureErr
}

func pointID(ns tenant.Namespace, id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(ns.String()+"/"+id)).String())
}

func namespaceFilter(ns tenant.Namespace, extra ...*qdrant.Condition) *qdrant.Filter {
	return &qdrant.Filter{
		Must: append([]*qdrant.Condition{qdrant.NewMatchKeyword(MetaNamespace, ns.String())}, extra...),
	}
}

func (q *Qdrant) Upsert(ctx context.Context, ns tenant.Namespace, records []Record) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Upsert", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	if err := q.ensureCollection(ctx); err != nil {
		return spanErr(span, err)
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		if uint64(len(r.Vector)) != q.vectorSize {
			return spanErr(span, fmt.Errorf("%w: vector %s has %d dimensions, collection expects %d",
				ErrIndex, r.ID, len(r.Vector), q.vectorSize))
		}
		payload := make(map[string]*qdrant.Value, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		payload[payloadID] = qdrant.NewValueString(r.ID)
		points[i] = &qdrant.PointStruct{
			Id:      pointID(ns, r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: payload,
		}
	}

	wait := true
	err := q.do(ctx, "upsert", func(ctx context.Context) error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return spanErr(span, err)
	}
	return nil
}

func (q *Qdrant) Query(ctx context.Context, ns tenant.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Query", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("top_k", topK),
	))
	defer span.End()

	var points []*qdrant.ScoredPoint
	err := q.do(ctx, "query", func(ctx context.Context) error {
		var err error
		points, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			Filter:         namespaceFilter(ns),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, spanErr(span, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		meta := make(map[string]string, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			meta[k] = v.GetStringValue()
		}
		id := meta[payloadID]
		delete(meta, payloadID)
		matches = append(matches, Match{ID: id, Score: p.GetScore(), Metadata: meta})
	}
	return matches, nil
}

func (q *Qdrant) Delete(ctx context.Context, ns tenant.Namespace, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Delete", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("ids", len(ids)),
	))
	defer span.End()

	filter := namespaceFilter(ns, qdrant.NewMatchKeywords(payloadID, ids...))
	if err := q.deleteByFilter(ctx, filter); err != nil {
		return spanErr(span, err)
	}
	return nil
}

func (q *Qdrant) DeleteNamespace(ctx context.Context, ns tenant.Namespace) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.DeleteNamespace", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
	))
	defer span.End()

	if err := q.deleteByFilter(ctx, namespaceFilter(ns)); err != nil {
		return spanErr(span, err)
	}
	return nil
}

func (q *Qdrant) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	wait := true
	err := q.do(ctx, "delete", func(ctx context.Context) error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (q *Qdrant) Count(ctx context.Context, ns tenant.Namespace) (int, error) {
	var n uint64
	err := q.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.collection,
			Filter:         namespaceFilter(ns),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if isNotFound(err) {
		return 0, nil
	}
	return int(n), err
}

func (q *Qdrant) CountIDs(ctx context.Context, ns tenant.Namespace, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n uint64
	err := q.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.collection,
			Filter:         namespaceFilter(ns, qdrant.NewMatchKeywords(payloadID, ids...)),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if isNotFound(err) {
		return 0, nil
	}
	return int(n), err
}

// isNotFound reports a missing collection, which reads as empty.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

var _ Index = (*Qdrant)(nil)

package vectorstore

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcStore is the preferred Store strategy, backed by the index's gRPC
// client.
type grpcStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

func newGRPCStore(cfg Config) (*grpcStore, error) {
	conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial %s: %w", cfg.GRPCAddr, err)
	}
	return &grpcStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *grpcStore) Close() error {
	return s.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (s *grpcStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *grpcStore) Fetch(ctx context.Context, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}

	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: fetch %d points: %w", len(ids), err)
	}

	out := make(map[string]Record, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		id := stableID(p.GetId().GetUuid())
		out[id] = Record{ID: id, Metadata: payloadMeta(p.GetPayload())}
	}
	return out, nil
}

func (s *grpcStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Metadata))
		for k, v := range r.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id: pointID(r.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Values},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(records), err)
	}
	return nil
}

func (s *grpcStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         grpcFilter(filter),
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}

	matches := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		matches[i] = Match{
			ID:       stableID(r.GetId().GetUuid()),
			Score:    r.GetScore(),
			Metadata: payloadMeta(r.GetPayload()),
		}
	}
	return matches, nil
}

func (s *grpcStore) HealthCheck(ctx context.Context) bool {
	_, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	return err == nil
}

// grpcFilter translates a Filter into index conditions. Empty filters
// become "category field exists".
func grpcFilter(f Filter) *pb.Filter {
	if f.IsEmpty() {
		return &pb.Filter{
			MustNot: []*pb.Condition{{
				ConditionOneOf: &pb.Condition_IsEmpty{
					IsEmpty: &pb.IsEmptyCondition{Key: MetaCategory},
				},
			}},
		}
	}

	var must []*pb.Condition
	if f.Category != "" {
		must = append(must, fieldMatch(MetaCategory, f.Category))
	}
	if f.SheetName != "" {
		must = append(must, fieldMatch(MetaSheetName, f.SheetName))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func payloadMeta(payload map[string]*pb.Value) map[string]string {
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = v.GetStringValue()
	}
	return meta
}

// pointID maps a 128-bit hex record id onto the UUID form point ids
// require. Ids that aren't 32 hex chars pass through unchanged.
func pointID(id string) *pb.PointId {
	if raw, err := hex.DecodeString(id); err == nil && len(raw) == 16 {
		if u, err := uuid.FromBytes(raw); err == nil {
			return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
		}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

// stableID is the inverse of pointID.
func stableID(pointUUID string) string {
	if u, err := uuid.Parse(pointUUID); err == nil {
		return hex.EncodeToString(u[:])
	}
	return pointUUID
}

package retrieval

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fuad49/omnivision/internal/storage"
)

var _ ProductIndex = (*QdrantIndex)(nil)

// QdrantIndex serves similarity search from a Qdrant collection over gRPC.
// It is the opt-in backend for shops whose catalogs outgrow the linear scan.
// Points carry the product ID as UUID point ID and shop_id/name/price/
// image_url/image_path as payload, so search results can be returned without
// touching SQLite.
//
// Only the primary embedding is indexed; the candidate score is the raw
// Qdrant cosine score. The caller's aux vector is used solely for the
// zero-norm degradation check so both backends resolve degraded extraction
// the same way.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex dials the Qdrant gRPC endpoint and returns an index bound to
// the named collection.
func NewQdrantIndex(host string, port int, collection string) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
		GrpcOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{client: client, collection: collection}, nil
}

// EnsureCollection creates the collection if it does not exist. dims is the
// embedding dimensionality; existing collections are left untouched.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims int) error {
	collectionsClient := qdrant.NewCollectionsClient(q.client.GetConnection())
	listResp, err := collectionsClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	for _, c := range listResp.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = collectionsClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrant.VectorsConfig{Config: &qdrant.VectorsConfig_Params{
			Params: &qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.collection, err)
	}
	return nil
}

// UpsertProduct writes a product's embedding and payload into the collection.
// Called by the ingest worker after embeddings are computed.
func (q *QdrantIndex) UpsertProduct(ctx context.Context, p storage.Product) error {
	wait := true
	point := &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID},
		},
		Payload: map[string]*qdrant.Value{
			"shop_id":    {Kind: &qdrant.Value_IntegerValue{IntegerValue: p.ShopID}},
			"name":       {Kind: &qdrant.Value_StringValue{StringValue: p.Name}},
			"price":      {Kind: &qdrant.Value_DoubleValue{DoubleValue: p.Price}},
			"image_url":  {Kind: &qdrant.Value_StringValue{StringValue: p.ImageURL}},
			"image_path": {Kind: &qdrant.Value_StringValue{StringValue: p.ImagePath}},
		},
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Embedding}}},
	}
	pointsClient := qdrant.NewPointsClient(q.client.GetConnection())
	_, err := pointsClient.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("upserting product %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProduct removes a product's point from the collection.
func (q *QdrantIndex) DeleteProduct(ctx context.Context, productID string) error {
	wait := true
	pointsClient := qdrant.NewPointsClient(q.client.GetConnection())
	_, err := pointsClient.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: productID}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting product %s: %w", productID, err)
	}
	return nil
}

// Search queries the collection filtered to the shop, letting Qdrant apply
// the score floor server-side.
func (q *QdrantIndex) Search(ctx context.Context, primary, aux []float32, threshold float32, shopID int64, limit int) ([]Candidate, error) {
	if norm(primary) == 0 || norm(aux) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "shop_id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Integer{Integer: shopID},
					},
				},
			},
		}},
	}

	pointsClient := qdrant.NewPointsClient(q.client.GetConnection())
	resp, err := pointsClient.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         primary,
		Filter:         filter,
		Limit:          uint64(limit),
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayloadInclude("shop_id", "name", "price", "image_url", "image_path"),
	})
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", q.collection, err)
	}

	results := make([]Candidate, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		results = append(results, Candidate{
			Product: productFromPoint(point),
			Score:   point.GetScore(),
		})
	}
	return results, nil
}

func productFromPoint(point *qdrant.ScoredPoint) storage.Product {
	payload := point.GetPayload()
	return storage.Product{
		ID:        point.GetId().GetUuid(),
		ShopID:    payload["shop_id"].GetIntegerValue(),
		Name:      payload["name"].GetStringValue(),
		Price:     payload["price"].GetDoubleValue(),
		ImageURL:  payload["image_url"].GetStringValue(),
		ImagePath: payload["image_path"].GetStringValue(),
		Status:    storage.ProductReady,
	}
}

package embedb_test

import (
	"context"
	"fmt"

	"github.com/hupe1980/embedb"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
	"github.com/hupe1980/embedb/testutil"
)

func Example() {
	ctx := context.Background()

	db, err := embedb.Open(ctx)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	books, err := db.CreateCollection(ctx, "books", nil, model.IndexConfig{})
	if err != nil {
		panic(err)
	}

	err = books.Add(ctx, embedb.Records{
		IDs:        []string{"a", "b", "c"},
		Embeddings: [][]float32{{0, 0}, {1, 0}, {5, 5}},
		Metadatas: []metadata.Metadata{
			{"genre": metadata.String("poetry")},
			{"genre": metadata.String("fiction")},
			{"genre": metadata.String("fiction")},
		},
		Documents: []string{"first", "second", "third"},
	})
	if err != nil {
		panic(err)
	}

	res, err := books.Query(ctx, embedb.QueryRequest{
		Embeddings: [][]float32{{0, 0}},
		NResults:   2,
		Where:      metadata.Eq("genre", metadata.String("fiction")),
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(res.IDs[0], res.Documents[0])
	// Output: [b c] [second third]
}

func ExampleCollection_Query() {
	ctx := context.Background()

	db, err := embedb.Open(ctx)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	c, err := db.CreateCollection(ctx, "random", nil, model.IndexConfig{})
	if err != nil {
		panic(err)
	}

	rng := testutil.NewRNG(42)
	ids := testutil.IDs("doc-", 500)
	vecs := rng.UniformVectors(len(ids), 16)
	if err := c.Add(ctx, embedb.Records{IDs: ids, Embeddings: vecs}); err != nil {
		panic(err)
	}

	query := vecs[7]
	res, err := c.Query(ctx, embedb.QueryRequest{Embeddings: [][]float32{query}, NResults: 1})
	if err != nil {
		panic(err)
	}
	fmt.Println(res.IDs[0][0])
	// Output: doc-7
}

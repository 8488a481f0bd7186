// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// UtteranceClassName is the Weaviate class holding labeled utterances.
const UtteranceClassName = "IntentUtterance"

// GetUtteranceSchema returns the Weaviate schema for the utterance catalog.
//
// Vectors are supplied by this service (vectorizer "none"), so the same
// embedding model serves both the catalog and live queries.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func GetUtteranceSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       UtteranceClassName,
		Description: "Labeled example utterances for semantic intent matching",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:        "text",
				DataType:    []string{"text"},
				Description: "The example utterance",
			},
			{
				Name:            "mode",
				DataType:        []string{"text"},
				Description:     "Execution paradigm: workflow, conversational, hybrid",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureUtteranceSchema creates the IntentUtterance class if it doesn't exist.
//
// Description:
//
//	Checks if the class exists in Weaviate and creates it if not.
//	This operation is idempotent.
//
// Inputs:
//
//	ctx - Context for cancellation
//	client - Weaviate client
//
// Outputs:
//
//	error - Non-nil if schema creation fails
func EnsureUtteranceSchema(ctx context.Context, client *weaviate.Client) error {
	_, err := client.Schema().ClassGetter().WithClassName(UtteranceClassName).Do(ctx)
	if err == nil {
		slog.Info("IntentUtterance schema already exists")
		return nil
	}

	slog.Info("Creating IntentUtterance schema")
	if err := client.Schema().ClassCreator().WithClass(GetUtteranceSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating IntentUtterance schema: %w", err)
	}
	slog.Info("IntentUtterance schema created successfully")
	return nil
}

// SeedUtterances embeds and writes labeled examples into Weaviate.
//
// Description:
//
//	Embeds each example with the provided embedder and stores it with its
//	vector. Individual failures are logged and skipped so one bad example
//	cannot abort seeding.
//
// Outputs:
//
//	int - Number of examples successfully written.
//	error - Non-nil only if ctx is cancelled.
func SeedUtterances(ctx context.Context, client *weaviate.Client, embedder Embedder, utterances []LabeledUtterance) (int, error) {
	written := 0
	for _, u := range utterances {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		vec, err := embedder.Embed(ctx, u.Text)
		if err != nil {
			slog.Warn("seed utterances: embed failed, skipping",
				slog.String("text", u.Text),
				slog.String("error", err.Error()),
			)
			continue
		}
		_, err = client.Data().Creator().
			WithClassName(UtteranceClassName).
			WithProperties(map[string]interface{}{
				"text": u.Text,
				"mode": string(u.Mode),
			}).
			WithVector(vec).
			Do(ctx)
		if err != nil {
			slog.Warn("seed utterances: write failed, skipping",
				slog.String("text", u.Text),
				slog.String("error", err.Error()),
			)
			continue
		}
		written++
	}
	slog.Info("seeded utterance catalog",
		slog.Int("written", written),
		slog.Int("requested", len(utterances)),
	)
	return written, nil
}

// WeaviateCatalog answers nearest-neighbor queries from Weaviate, with
// optional degradation to a local catalog.
//
// # Description
//
// When the Weaviate query fails (server down, timeout), the failure is
// logged and the configured fallback catalog answers instead. A nil
// fallback turns transport failures into ok=false misses, which the
// semantic tier treats as "no match" and escalates past.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateCatalog struct {
	client   *weaviate.Client
	fallback Catalog
	logger   *slog.Logger
}

// NewWeaviateCatalog creates a catalog backed by Weaviate.
func NewWeaviateCatalog(client *weaviate.Client, fallback Catalog, logger *slog.Logger) *WeaviateCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateCatalog{client: client, fallback: fallback, logger: logger}
}

// Nearest returns the best catalog match for the query vector.
func (w *WeaviateCatalog) Nearest(ctx context.Context, queryVec []float32) (CatalogMatch, bool, error) {
	if len(queryVec) == 0 {
		return CatalogMatch{}, false, nil
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVec)

	// Request certainty (always [0,1]) instead of distance which varies
	// by metric.
	fields := []graphql.Field{
		{Name: "text"},
		{Name: "mode"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(UtteranceClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		w.logger.Warn("weaviate catalog query failed, degrading",
			slog.String("error", err.Error()),
		)
		if w.fallback != nil {
			return w.fallback.Nearest(ctx, queryVec)
		}
		return CatalogMatch{}, false, nil
	}
	if len(result.Errors) > 0 {
		w.logger.Warn("weaviate catalog query returned errors, degrading",
			slog.String("error", result.Errors[0].Message),
		)
		if w.fallback != nil {
			return w.fallback.Nearest(ctx, queryVec)
		}
		return CatalogMatch{}, false, nil
	}

	match, ok := parseUtteranceResult(result.Data)
	return match, ok, nil
}

// parseUtteranceResult walks the GraphQL response shape:
// Get → IntentUtterance → [ {text, mode, _additional{certainty}} ].
func parseUtteranceResult(data map[string]models.JSONObject) (CatalogMatch, bool) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return CatalogMatch{}, false
	}
	objs, ok := get[UtteranceClassName].([]interface{})
	if !ok || len(objs) == 0 {
		return CatalogMatch{}, false
	}
	obj, ok := objs[0].(map[string]interface{})
	if !ok {
		return CatalogMatch{}, false
	}

	match := CatalogMatch{}
	if text, ok := obj["text"].(string); ok {
		match.Utterance = text
	}
	if mode, ok := obj["mode"].(string); ok {
		match.Mode = Mode(mode)
	}
	if add, ok := obj["_additional"].(map[string]interface{}); ok {
		if certainty, ok := add["certainty"].(float64); ok {
			match.Similarity = certainty
		}
	}
	if !match.Mode.Valid() {
		return CatalogMatch{}, false
	}
	return match, true
}

// Ensure WeaviateCatalog implements Catalog.
var _ Catalog = (*WeaviateCatalog)(nil)

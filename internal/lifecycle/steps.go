package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/catalog"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

// syncSteps builds the step list shared by initial connect and both
// resync types. Later steps consume what earlier steps produced through
// the closure; a retried operation restarts at step 1, so every step is
// safe to run again from scratch.
func (m *Manager) syncSteps(tenantID string) []ops.Step {
	namespace := tenant.Namespace(tenantID)

	var (
		docs    []catalog.Document
		vectors [][]float32
	)

	return []ops.Step{
		{
			Description: "fetching catalog",
			Run: func(ctx context.Context) error {
				fetched, err := m.source.FetchCatalog(ctx, tenantID)
				if err != nil {
					if catalog.IsPermanent(err) {
						return ops.Permanent(err)
					}
					return err
				}
				docs = fetched
				return nil
			},
		},
		{
			Description: "generating embeddings",
			Run: func(ctx context.Context) error {
				if len(docs) == 0 {
					vectors = nil
					return nil
				}
				texts := make([]string, len(docs))
				for i, d := range docs {
					texts[i] = d.Title + "\n" + d.Content
				}
				embedded, err := m.embedder.EmbedDocuments(ctx, texts)
				if err != nil {
					return err
				}
				vectors = embedded
				return nil
			},
		},
		{
			Description: "upserting vectors",
			Run: func(ctx context.Context) error {
				if len(docs) == 0 {
					m.logger.Info("catalog empty, nothing to upsert",
						zap.String("tenant_id", tenantID))
					return nil
				}
				points := make([]vectorstore.Point, len(docs))
				for i, d := range docs {
					meta := map[string]any{"kind": string(d.Kind), "title": d.Title}
					for k, v := range d.Metadata {
						meta[k] = v
					}
					points[i] = vectorstore.Point{
						ID:       d.ID,
						Vector:   vectors[i],
						Content:  d.Content,
						Metadata: meta,
					}
				}
				return m.vectors.Upsert(ctx, namespace, points)
			},
		},
	}
}

// disconnectSteps deactivates the tenant. Namespace deletion happens in
// the follow-up cleanup operation so a crash mid-disconnect leaves the
// data recoverable.
func (m *Manager) disconnectSteps(tenantID string) []ops.Step {
	return []ops.Step{
		{
			Description: "deactivating tenant",
			Run: func(ctx context.Context) error {
				if err := m.tenants.SetActive(ctx, tenantID, false); err != nil {
					if errors.Is(err, tenant.ErrNotFound) {
						return ops.Permanent(err)
					}
					return err
				}
				return nil
			},
		},
		{
			Description: "removing pending resync state",
			Run: func(ctx context.Context) error {
				return m.schedules.Cancel(ctx, tenantID)
			},
		},
	}
}

// cleanupSteps tears down everything the tenant left behind. Every step
// tolerates the thing it deletes already being gone.
func (m *Manager) cleanupSteps(tenantID string) []ops.Step {
	namespace := tenant.Namespace(tenantID)

	return []ops.Step{
		{
			Description: "deleting namespace",
			Run: func(ctx context.Context) error {
				return m.vectors.DeleteNamespace(ctx, namespace)
			},
		},
		{
			Description: "removing sync schedule",
			Run: func(ctx context.Context) error {
				return m.schedules.Delete(ctx, tenantID)
			},
		},
		{
			Description: "removing tenant record",
			Run: func(ctx context.Context) error {
				err := m.tenants.Delete(ctx, tenantID)
				if err != nil && !errors.Is(err, tenant.ErrNotFound) {
					return fmt.Errorf("deleting tenant: %w", err)
				}
				return nil
			},
		},
	}
}

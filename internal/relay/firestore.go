package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"peercall/pkg/logger"
)

// FirestoreStore implements Store on Cloud Firestore via the Firebase Admin
// SDK. Snapshot listeners provide the change feed; Firestore's at-least-once
// snapshot semantics match the Store contract directly.
type FirestoreStore struct {
	client *firestore.Client
}

// FirestoreConfig contains Firestore connection settings
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string // service-account JSON; empty uses ADC
}

// NewFirestoreStore initializes the Firebase app and Firestore client
func NewFirestoreStore(ctx context.Context, cfg *FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	logger.Info("Firestore relay store initialized",
		zap.String("project_id", cfg.ProjectID))

	return &FirestoreStore{client: client}, nil
}

// Put creates or overwrites a record
func (s *FirestoreStore) Put(ctx context.Context, collection, id string, doc any) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get reads a record into out, returning ErrNotFound if absent
func (s *FirestoreStore) Get(ctx context.Context, collection, id string, out any) error {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if snap != nil && !snap.Exists() {
			return ErrNotFound
		}
		return fmt.Errorf("firestore get %s/%s: %w", collection, id, err)
	}
	return snap.DataTo(out)
}

// Delete removes a record; Firestore deletes are idempotent
func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Subscribe attaches a snapshot listener filtered by equality clauses
func (s *FirestoreStore) Subscribe(ctx context.Context, collection string, filter Filter, onAdded AddedFunc) (func(), error) {
	query := s.client.Collection(collection).Query
	for field, value := range filter {
		query = query.Where(field, "==", value)
	}

	subCtx, cancel := context.WithCancel(ctx)
	iter := query.Snapshots(subCtx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if subCtx.Err() == nil {
					logger.Error("Firestore subscription terminated",
						zap.String("collection", collection),
						zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				raw, err := json.Marshal(change.Doc.Data())
				if err != nil {
					logger.Warn("Failed to encode Firestore document",
						zap.String("collection", collection),
						zap.String("doc_id", change.Doc.Ref.ID),
						zap.Error(err))
					continue
				}
				onAdded(change.Doc.Ref.ID, raw)
			}
		}
	}()

	return cancel, nil
}

// Close releases the Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Package firestore implements profile.Store on Cloud Firestore.
//
// Each profile is the document users/{identity}. Subscriptions use the
// document's snapshot listener, so ordering and coalescing of changes is
// whatever the Firestore backend delivers.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
)

// DefaultCollection is the collection that holds profile documents.
const DefaultCollection = "users"

// Config holds Firestore connection configuration.
type Config struct {
	// ProjectID is the Google Cloud project.
	ProjectID string

	// CredentialsFile is a service account key. Empty means application default credentials.
	CredentialsFile string

	// EmulatorHost points the client at a local emulator (host:port).
	EmulatorHost string

	// Collection overrides DefaultCollection.
	Collection string
}

// Client owns the Firestore client.
type Client struct {
	fs         *firestore.Client
	collection string
	logger     *slog.Logger
}

// NewClient connects to Firestore.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore: project id is required")
	}

	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		// The client library reads the emulator address from the environment.
		if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("firestore: %w", err)
		}
		opts = append(opts, option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	fs, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: failed to create client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	logger.Info("firestore client created", "project", cfg.ProjectID, "collection", collection, "emulator", cfg.EmulatorHost != "")

	return &Client{fs: fs, collection: collection, logger: logger}, nil
}

// Close releases the client.
func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) doc(id string) *firestore.DocumentRef {
	return c.fs.Collection(c.collection).Doc(id)
}

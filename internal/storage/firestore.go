package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// FirestoreClientRegistry stores client registrations in Google Cloud
// Firestore, one document per client keyed by client id.
//
// Secrets are stored as the bcrypt hash the registrar produced; the plaintext
// never reaches the registry.
type FirestoreClientRegistry struct {
	client     *firestore.Client
	projectID  string
	collection string
}

// OAuthClientEntity represents the structure stored in Firestore
type OAuthClientEntity struct {
	ID                     string   `firestore:"id"`
	SecretHash             []byte   `firestore:"secret_hash,omitempty"` // nil for public clients
	Name                   string   `firestore:"name,omitempty"`
	Public                 bool     `firestore:"public"`
	Enabled                bool     `firestore:"enabled"`
	RedirectURIs           []string `firestore:"redirect_uris"`
	AllowRegexpRedirects   bool     `firestore:"allow_regexp_redirects"`
	GrantTypes             []string `firestore:"grant_types"`
	ResponseTypes          []string `firestore:"response_types"`
	Scopes                 []string `firestore:"scopes"`
	PreAuthorizedScopes    []string `firestore:"preauthorized_scopes,omitempty"`
	AppPasswordAllowed     bool     `firestore:"app_password_allowed"`
	AppTokenAllowed        bool     `firestore:"app_token_allowed"`
	TrustedURIPrefixes     []string `firestore:"trusted_uri_prefixes,omitempty"`
	IntrospectTokens       bool     `firestore:"introspect_tokens"`
	FunctionalUserID       string   `firestore:"functional_user_id,omitempty"`
	FunctionalUserGroupIDs []string `firestore:"functional_user_group_ids,omitempty"`
	ResourceIDs            []string `firestore:"resource_ids,omitempty"`
	CreatedAt              int64    `firestore:"created_at"`
}

// ToClient converts the Firestore entity to a client record
func (e *OAuthClientEntity) ToClient() *oauth.Client {
	return &oauth.Client{
		ID:                     e.ID,
		Secret:                 e.SecretHash,
		Name:                   e.Name,
		Public:                 e.Public,
		Enabled:                e.Enabled,
		RedirectURIs:           e.RedirectURIs,
		AllowRegexpRedirects:   e.AllowRegexpRedirects,
		GrantTypes:             e.GrantTypes,
		ResponseTypes:          e.ResponseTypes,
		Scope:                  e.Scopes,
		PreAuthorizedScope:     e.PreAuthorizedScopes,
		AppPasswordAllowed:     e.AppPasswordAllowed,
		AppTokenAllowed:        e.AppTokenAllowed,
		TrustedURIPrefixes:     e.TrustedURIPrefixes,
		IntrospectTokens:       e.IntrospectTokens,
		FunctionalUserID:       e.FunctionalUserID,
		FunctionalUserGroupIDs: e.FunctionalUserGroupIDs,
		ResourceIDs:            e.ResourceIDs,
		CreatedAt:              time.Unix(e.CreatedAt, 0),
	}
}

// FromClient converts a client record to a Firestore entity
func FromClient(c *oauth.Client) *OAuthClientEntity {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &OAuthClientEntity{
		ID:                     c.ID,
		SecretHash:             c.Secret,
		Name:                   c.Name,
		Public:                 c.Public,
		Enabled:                c.Enabled,
		RedirectURIs:           c.RedirectURIs,
		AllowRegexpRedirects:   c.AllowRegexpRedirects,
		GrantTypes:             c.GrantTypes,
		ResponseTypes:          c.ResponseTypes,
		Scopes:                 c.Scope,
		PreAuthorizedScopes:    c.PreAuthorizedScope,
		AppPasswordAllowed:     c.AppPasswordAllowed,
		AppTokenAllowed:        c.AppTokenAllowed,
		TrustedURIPrefixes:     c.TrustedURIPrefixes,
		IntrospectTokens:       c.IntrospectTokens,
		FunctionalUserID:       c.FunctionalUserID,
		FunctionalUserGroupIDs: c.FunctionalUserGroupIDs,
		ResourceIDs:            c.ResourceIDs,
		CreatedAt:              created.Unix(),
	}
}

// NewFirestoreClientRegistry creates a new Firestore-backed client registry
func NewFirestoreClientRegistry(ctx context.Context, projectID, database, collection string) (*FirestoreClientRegistry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Using Firestore client registry", map[string]any{
		"project":    projectID,
		"collection": collection,
	})
	return &FirestoreClientRegistry{
		client:     client,
		projectID:  projectID,
		collection: collection,
	}, nil
}

func (r *FirestoreClientRegistry) doc(clientID string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(clientID)
}

func (r *FirestoreClientRegistry) Get(ctx context.Context, clientID string) (*oauth.Client, error) {
	if clientID == "" {
		return nil, oauth.ErrClientNotFound
	}
	snap, err := r.doc(clientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, oauth.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client from Firestore: %w", err)
	}

	var entity OAuthClientEntity
	if err := snap.DataTo(&entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client %s: %w", clientID, err)
	}
	return entity.ToClient(), nil
}

func (r *FirestoreClientRegistry) Exists(ctx context.Context, clientID string) (bool, error) {
	_, err := r.Get(ctx, clientID)
	if errors.Is(err, oauth.ErrClientNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put creates the document and fails if the id is taken
func (r *FirestoreClientRegistry) Put(ctx context.Context, c *oauth.Client) error {
	_, err := r.doc(c.ID).Create(ctx, FromClient(c))
	if status.Code(err) == codes.AlreadyExists {
		return oauth.ErrClientExists
	}
	if err != nil {
		return fmt.Errorf("failed to store client in Firestore: %w", err)
	}
	return nil
}

// Update overwrites the document of an existing client
func (r *FirestoreClientRegistry) Update(ctx context.Context, c *oauth.Client) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := r.doc(c.ID)
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, FromClient(c))
	})
	if status.Code(err) == codes.NotFound {
		return oauth.ErrClientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update client in Firestore: %w", err)
	}
	return nil
}

func (r *FirestoreClientRegistry) Delete(ctx context.Context, clientID string) error {
	_, err := r.doc(clientID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return oauth.ErrClientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete client from Firestore: %w", err)
	}
	return nil
}

func (r *FirestoreClientRegistry) GetAll(ctx context.Context) ([]*oauth.Client, error) {
	iter := r.client.Collection(r.collection).Documents(ctx)
	defer iter.Stop()

	var clients []*oauth.Client
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating Firestore documents: %w", err)
		}

		var entity OAuthClientEntity
		if err := doc.DataTo(&entity); err != nil {
			log.LogError("Failed to unmarshal client from Firestore (client_id: %s): %v", doc.Ref.ID, err)
			continue
		}
		clients = append(clients, entity.ToClient())
	}
	return clients, nil
}

// Close closes the Firestore client
func (r *FirestoreClientRegistry) Close() error {
	return r.client.Close()
}

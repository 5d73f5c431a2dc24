package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	TenantID string   `json:"tenantId"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a freshly issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// APIKeyCreateRequest issues a new scoped API key.
type APIKeyCreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// APIKeyCreateResponse returns the plaintext key exactly once.
type APIKeyCreateResponse struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Prefix string   `json:"prefix"`
	Scopes []string `json:"scopes"`
}

// EntityPayload is one entity in a create/upsert batch.
type EntityPayload struct {
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
}

type EntitiesCreateRequest struct {
	Entities []EntityPayload `json:"entities"`
}

// ObservationPayload attaches contents to a named entity.
type ObservationPayload struct {
	EntityName  string   `json:"entityName"`
	Contents    []string `json:"contents"`
	MessageType string   `json:"messageType"`
	Sensitive   bool     `json:"sensitive"`
}

type ObservationsAddRequest struct {
	Observations []ObservationPayload `json:"observations"`
}

// RelationPayload references entities by name; dangling names are allowed.
type RelationPayload struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

type RelationsCreateRequest struct {
	Relations []RelationPayload `json:"relations"`
}

// RecallHit is one similarity match from the vector index.
type RecallHit struct {
	ID         string  `json:"id"`
	EntityName string  `json:"entityName,omitempty"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

type RecallResponse struct {
	Results []RecallHit `json:"results"`
}

// EntityDeleteRequest removes an entity and everything attached to it.
type EntityDeleteRequest struct {
	EntityName string `json:"entityName"`
	DryRun     bool   `json:"dryRun"`
	Reason     string `json:"reason"`
}

// ObservationsRemoveRequest deletes whole-entry content matches.
type ObservationsRemoveRequest struct {
	EntityName string   `json:"entityName"`
	Contents   []string `json:"contents"`
	DryRun     bool     `json:"dryRun"`
	Reason     string   `json:"reason"`
}

// ObservationUpdateRequest rewrites one observation in place.
type ObservationUpdateRequest struct {
	ID          string   `json:"id"`
	Contents    []string `json:"contents"`
	MessageType *string  `json:"messageType"`
	Sensitive   *bool    `json:"sensitive"`
	DryRun      bool     `json:"dryRun"`
	Reason      string   `json:"reason"`
}

// MutationResponse reports what a mutation did, including vector-index
// cleanup counters so callers can detect degraded runs.
type MutationResponse struct {
	Status           string `json:"status"`
	Entities         int    `json:"entities,omitempty"`
	Observations     int    `json:"observations,omitempty"`
	Relations        int    `json:"relations,omitempty"`
	Updated          int    `json:"updated,omitempty"`
	DryRun           bool   `json:"dryRun,omitempty"`
	WeaviateCleanup  int    `json:"weaviateCleanup"`
	WeaviateFailures int    `json:"weaviateFailures"`
}

// SessionOpenRequest asks for a context bundle.
type SessionOpenRequest struct {
	AgentName string `json:"agentName"`
	Tier      string `json:"tier"`
	ProjectID string `json:"projectId"`
	MaxTokens int    `json:"maxTokens"`
}

// SessionCloseRequest persists the handoff for the next session.
type SessionCloseRequest struct {
	AgentName string   `json:"agentName"`
	ProjectID string   `json:"projectId"`
	Summary   string   `json:"summary"`
	OpenItems []string `json:"openItems"`
}

// MessageSendRequest delivers a message to another agent's inbox.
type MessageSendRequest struct {
	FromAgent string `json:"fromAgent"`
	ToAgent   string `json:"toAgent"`
	Content   string `json:"content"`
}

// MessagesReadRequest marks the caller's inbox read.
type MessagesReadRequest struct {
	AgentName string `json:"agentName"`
}

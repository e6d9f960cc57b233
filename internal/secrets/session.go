package secrets

const (
	tokenTag  = "wizzle.accessToken"
	userIDTag = "wizzle.userId"
)

// SessionCredentials keeps the authenticated user's id and bearer token in
// the secure store. The sync engine only reads them; refreshing an expired
// token is the auth layer's job.
type SessionCredentials struct {
	store Store
}

func NewSessionCredentials(store Store) *SessionCredentials {
	return &SessionCredentials{store: store}
}

// Save persists both values. Called by the auth layer after login.
func (c *SessionCredentials) Save(userID, token string) error {
	if err := c.store.Set(userIDTag, []byte(userID)); err != nil {
		return err
	}
	return c.store.Set(tokenTag, []byte(token))
}

// Token returns the stored bearer token, or empty when not logged in.
func (c *SessionCredentials) Token() string {
	v, err := c.store.Get(tokenTag)
	if err != nil || v == nil {
		return ""
	}
	return string(v)
}

// UserID returns the stored user id, or empty when not logged in.
func (c *SessionCredentials) UserID() string {
	v, err := c.store.Get(userIDTag)
	if err != nil || v == nil {
		return ""
	}
	return string(v)
}

// Clear removes both values. Called on logout.
func (c *SessionCredentials) Clear() error {
	if err := c.store.Remove(userIDTag); err != nil {
		return err
	}
	return c.store.Remove(tokenTag)
}

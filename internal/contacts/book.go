// Package contacts is the per-user contact book: remote peers a user has
// interacted with, the access tokens issued to them, and the tokens
// received from them. The book persists as contacts.json inside the user's
// directory; updates are serialized per user.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/identity"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// BookFile is the contact book filename inside a user directory.
const BookFile = "contacts.json"

// ErrTokenNotFound reports a revocation for a DID with no issued token.
var ErrTokenNotFound = errors.New("no token issued to this DID")

// Contact is one known remote peer.
type Contact struct {
	RemoteDID        string    `json:"remoteDID"`
	Name             string    `json:"name,omitempty"`
	Host             string    `json:"host,omitempty"`
	Port             int       `json:"port,omitempty"`
	FirstContact     time.Time `json:"firstContact"`
	LastContact      time.Time `json:"lastContact"`
	InteractionCount int       `json:"interactionCount"`
}

// IssuedToken is an access token this user handed to a remote peer.
type IssuedToken struct {
	Token     string    `json:"token"`
	RemoteDID string    `json:"remoteDID"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// ReceivedToken is an access token a remote peer handed to this user.
type ReceivedToken struct {
	Token      string    `json:"token"`
	RemoteDID  string    `json:"remoteDID"`
	ReceivedAt time.Time `json:"receivedAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// book is the persisted structure.
type book struct {
	Contacts       map[string]*Contact       `json:"contacts"`
	TokensIssued   map[string]*IssuedToken   `json:"tokensIssued"`
	TokensReceived map[string]*ReceivedToken `json:"tokensReceived"`
}

func newBook() *book {
	return &book{
		Contacts:       make(map[string]*Contact),
		TokensIssued:   make(map[string]*IssuedToken),
		TokensReceived: make(map[string]*ReceivedToken),
	}
}

// Book reads and writes contact books for the users under one root.
type Book struct {
	users  *userdata.Store
	root   string
	issuer *identity.TokenIssuer
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-user write locks
}

// NewBook creates a Book over the user store rooted at root.
func NewBook(users *userdata.Store, root string, issuer *identity.TokenIssuer, logger *zap.Logger) *Book {
	return &Book{
		users:  users,
		root:   root,
		issuer: issuer,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (b *Book) userLock(shortID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.locks[shortID]
	if l == nil {
		l = &sync.Mutex{}
		b.locks[shortID] = l
	}
	return l
}

// AddContact records an interaction with a remote peer. The first call
// creates the contact; repeats only bump lastContact and interactionCount,
// keeping name/host/port from the first sighting unless previously empty.
func (b *Book) AddContact(shortID string, c Contact) error {
	canonical, err := did.Normalize(c.RemoteDID)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}

	l := b.userLock(shortID)
	l.Lock()
	defer l.Unlock()

	bk, err := b.load(shortID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	existing := bk.Contacts[canonical]
	if existing == nil {
		c.RemoteDID = canonical
		c.FirstContact = now
		c.LastContact = now
		c.InteractionCount = 1
		bk.Contacts[canonical] = &c
	} else {
		existing.LastContact = now
		existing.InteractionCount++
		if existing.Name == "" {
			existing.Name = c.Name
		}
		if existing.Host == "" {
			existing.Host = c.Host
			existing.Port = c.Port
		}
	}
	return b.save(shortID, bk)
}

// Contacts returns the known peers of a user. A user without a book has no
// contacts.
func (b *Book) Contacts(shortID string) ([]*Contact, error) {
	bk, err := b.load(shortID)
	if err != nil {
		return nil, err
	}
	out := make([]*Contact, 0, len(bk.Contacts))
	for _, c := range bk.Contacts {
		out = append(out, c)
	}
	return out, nil
}

// IssueToken mints an access token for remoteDID, records it in the book,
// and returns it. Re-issuing replaces the previous record.
func (b *Book) IssueToken(shortID, remoteDID string) (*IssuedToken, error) {
	canonical, err := did.Normalize(remoteDID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	signed, err := b.issuer.Issue(canonical)
	if err != nil {
		return nil, err
	}

	l := b.userLock(shortID)
	l.Lock()
	defer l.Unlock()

	bk, err := b.load(shortID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tok := &IssuedToken{
		Token:     signed,
		RemoteDID: canonical,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.issuer.TTL()),
	}
	bk.TokensIssued[canonical] = tok
	if err := b.save(shortID, bk); err != nil {
		return nil, err
	}
	return tok, nil
}

// IssuedTokenFor returns the token record issued to remoteDID, if any.
func (b *Book) IssuedTokenFor(shortID, remoteDID string) (*IssuedToken, bool) {
	canonical, err := did.Normalize(remoteDID)
	if err != nil {
		return nil, false
	}
	bk, err := b.load(shortID)
	if err != nil {
		return nil, false
	}
	tok, ok := bk.TokensIssued[canonical]
	return tok, ok
}

// RevokeToken flags the token issued to remoteDID as revoked. The record is
// kept for audit.
func (b *Book) RevokeToken(shortID, remoteDID string) error {
	canonical, err := did.Normalize(remoteDID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	l := b.userLock(shortID)
	l.Lock()
	defer l.Unlock()

	bk, err := b.load(shortID)
	if err != nil {
		return err
	}
	tok := bk.TokensIssued[canonical]
	if tok == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, canonical)
	}
	tok.Revoked = true
	return b.save(shortID, bk)
}

// StoreReceivedToken records a token a remote peer handed to this user.
func (b *Book) StoreReceivedToken(shortID string, tok ReceivedToken) error {
	canonical, err := did.Normalize(tok.RemoteDID)
	if err != nil {
		return fmt.Errorf("store received token: %w", err)
	}

	l := b.userLock(shortID)
	l.Lock()
	defer l.Unlock()

	bk, err := b.load(shortID)
	if err != nil {
		return err
	}
	tok.RemoteDID = canonical
	if tok.ReceivedAt.IsZero() {
		tok.ReceivedAt = time.Now().UTC()
	}
	bk.TokensReceived[canonical] = &tok
	return b.save(shortID, bk)
}

// ReceivedTokenFrom returns the stored token from remoteDID, if any.
func (b *Book) ReceivedTokenFrom(shortID, remoteDID string) (*ReceivedToken, bool) {
	canonical, err := did.Normalize(remoteDID)
	if err != nil {
		return nil, false
	}
	bk, err := b.load(shortID)
	if err != nil {
		return nil, false
	}
	tok, ok := bk.TokensReceived[canonical]
	return tok, ok
}

func (b *Book) load(shortID string) (*book, error) {
	data, err := b.users.File(b.root, shortID, BookFile)
	if err != nil {
		if errors.Is(err, userdata.ErrUserNotFound) {
			return newBook(), nil
		}
		return nil, err
	}
	bk := newBook()
	if err := json.Unmarshal(data, bk); err != nil {
		return nil, fmt.Errorf("decode contact book for %s: %w", shortID, err)
	}
	return bk, nil
}

func (b *Book) save(shortID string, bk *book) error {
	return b.users.WriteJSON(b.root, shortID, BookFile, bk)
}

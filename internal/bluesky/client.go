package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultService = "https://bsky.social"
	DefaultAppURL  = "https://bsky.app"
)

// session is the persisted credential set. Callers only ever see it as an
// opaque JSON blob.
type session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	Email      string `json:"email,omitempty"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// Client talks to a Bluesky PDS over XRPC.
type Client struct {
	service    string
	appURL     string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a client for service. Empty values select the public
// Bluesky service and web app.
func NewClient(service, appURL string, httpClient *http.Client, logger logrus.FieldLogger) *Client {
	if service == "" {
		service = DefaultService
	}
	if appURL == "" {
		appURL = DefaultAppURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		service:    strings.TrimRight(service, "/"),
		appURL:     strings.TrimRight(appURL, "/"),
		httpClient: httpClient,
		log:        logger.WithField("component", "bluesky"),
	}
}

// Login creates a new session with an identifier (handle or email) and an
// app password.
func (c *Client) Login(ctx context.Context, identifier, password string) (*Agent, error) {
	log := c.log.WithField("identifier", identifier)
	if identifier == "" || password == "" {
		return nil, errors.New("identifier and password are required")
	}

	body, err := jsonBody(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return nil, err
	}

	var out session
	err = c.do(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.server.createSession",
		body:   body,
	}, &out)
	if err != nil {
		log.WithError(err).Warn("createSession failed")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if out.DID == "" || out.AccessJwt == "" {
		return nil, errors.New("createSession returned an incomplete session")
	}

	log.WithFields(logrus.Fields{"did": out.DID, "handle": out.Handle}).Info("Logged in")
	return &Agent{client: c, session: out}, nil
}

// Resume restores an agent from a blob produced by Agent.SessionBlob and
// checks it is still valid. An expired access token is refreshed.
func (c *Client) Resume(ctx context.Context, blob []byte) (*Agent, error) {
	var s session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.DID == "" || s.AccessJwt == "" || s.RefreshJwt == "" {
		return nil, errors.New("stored session is incomplete")
	}

	agent := &Agent{client: c, session: s}
	if err := agent.checkSession(ctx); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{"did": s.DID, "handle": agent.Handle()}).Info("Session resumed")
	return agent, nil
}

// PostURL turns an at:// record URI into the public web link for the post.
func (c *Client) PostURL(did, uri string) string {
	rkey := uri[strings.LastIndex(uri, "/")+1:]
	return fmt.Sprintf("%s/profile/%s/post/%s", c.appURL, did, rkey)
}

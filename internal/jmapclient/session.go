package jmapclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/mjl-/adns"
	"github.com/pkg/errors"
)

// State is an opaque JMAP state token. "changes(since=token)" yields the
// delta up to the current state.
type State string

// Session is the subset of the JMAP session object mujmap relies on.
type Session struct {
	APIURL       string                 `json:"apiUrl"`
	DownloadURL  string                 `json:"downloadUrl"`
	UploadURL    string                 `json:"uploadUrl"`
	State        State                  `json:"state"`
	Username     string                 `json:"username"`
	Capabilities capabilities           `json:"capabilities"`
	Accounts     map[string]json.RawMessage `json:"accounts"`
	PrimaryAccounts struct {
		Mail string `json:"urn:ietf:params:jmap:mail"`
	} `json:"primaryAccounts"`
}

type capabilities struct {
	Core struct {
		MaxObjectsInGet uint64 `json:"maxObjectsInGet"`
		MaxObjectsInSet uint64 `json:"maxObjectsInSet"`
	} `json:"urn:ietf:params:jmap:core"`
}

// AccountID is the primary mail account id advertised by the session.
func (s *Session) AccountID() string {
	return s.PrimaryAccounts.Mail
}

// discoverSessionURL resolves the session endpoint per spec.md §4.1's
// three-step priority order: explicit URL, FQDN SRV lookup, username-domain
// SRV lookup.
func discoverSessionURL(ctx context.Context, sessionURL, fqdn, username string) (string, error) {
	if sessionURL != "" {
		return sessionURL, nil
	}
	if fqdn != "" {
		return lookupJMAPURL(ctx, fqdn)
	}
	_, domain, ok := strings.Cut(username, "@")
	if !ok || domain == "" {
		return "", errors.New("could not determine domain name from username")
	}
	return lookupJMAPURL(ctx, domain)
}

// lookupJMAPURL resolves the "_jmap._tcp" SRV record for host and returns
// the well-known JMAP session URL for the highest-priority target.
func lookupJMAPURL(ctx context.Context, host string) (string, error) {
	_, addrs, _, err := adns.DefaultResolver.LookupSRV(ctx, "jmap", "tcp", host)
	if err != nil {
		return "", errors.Wrapf(err, "resolving JMAP SRV record for %s", host)
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("no JMAP SRV record found for %s", host)
	}
	target := strings.TrimSuffix(addrs[0].Target, ".")
	return fmt.Sprintf("https://%s/.well-known/jmap", net.JoinHostPort(target, fmt.Sprint(addrs[0].Port))), nil
}

func (c *Client) getSession(ctx context.Context, url string) (*Session, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "building session request")
	}
	c.applyAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "requesting JMAP session")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, "", ErrAuthentication
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", errors.Errorf("unexpected status %d fetching JMAP session", resp.StatusCode)
	}
	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, "", errors.Wrap(err, "decoding JMAP session")
	}
	return &session, resp.Request.URL.String(), nil
}

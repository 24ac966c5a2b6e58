package jmapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"mujmap/internal/message"
)

// invocation is one [name, arguments, callID] triple in a JMAP request's
// methodCalls array.
type invocation struct {
	name   string
	args   interface{}
	callID string
}

func (i invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{i.name, i.args, i.callID})
}

// methodResponse is one [name, result, callID] triple in a JMAP response.
type methodResponse struct {
	Name   string
	Result json.RawMessage
	CallID string
}

func (m *methodResponse) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &m.Name); err != nil {
		return err
	}
	m.Result = raw[1]
	return json.Unmarshal(raw[2], &m.CallID)
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []invocation `json:"methodCalls"`
}

type response struct {
	MethodResponses []methodResponse `json:"methodResponses"`
	SessionState    string           `json:"sessionState"`
}

// jmapError is the shape of a "error" pseudo-method-response result.
type jmapError struct {
	Type string `json:"type"`
}

// call issues one HTTP request carrying every invocation in calls and
// returns the method responses keyed by call id. The whole batch shares
// one retry budget: a transport failure retries the entire request.
func (c *Client) call(ctx context.Context, calls ...invocation) (map[string]methodResponse, error) {
	if c.apiURL == "" {
		return nil, errors.New("jmap client is not connected")
	}
	req := request{
		Using:       []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		MethodCalls: calls,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding jmap request")
	}

	var resp response
	err = c.doWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.applyAuth(httpReq)
		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return errors.Wrap(err, "jmap method call request")
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode == http.StatusUnauthorized {
			return ErrAuthentication
		}
		if httpResp.StatusCode/100 != 2 {
			data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			return errors.Errorf("jmap method call returned status %d: %s", httpResp.StatusCode, data)
		}
		resp = response{}
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return errors.Wrap(err, "decoding jmap response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]methodResponse, len(resp.MethodResponses))
	for _, mr := range resp.MethodResponses {
		byID[mr.CallID] = mr
	}
	return byID, nil
}

func decodeResult(mr methodResponse, out interface{}) error {
	if mr.Name == "error" {
		var jerr jmapError
		if err := json.Unmarshal(mr.Result, &jerr); err == nil && jerr.Type == "cannotCalculateChanges" {
			return ErrStateExpired
		}
		return errors.Errorf("jmap method error: %s", mr.Result)
	}
	return json.Unmarshal(mr.Result, out)
}

// ChangesResult is the decoded result of an Email/changes call.
type ChangesResult struct {
	Created    []message.ID
	Updated    []message.ID
	Destroyed  []message.ID
	NewState   State
	HasMore    bool
}

// Changes implements Email/changes: the server-side delta since state.
// Returns ErrStateExpired when the server reports cannotCalculateChanges,
// in which case the caller falls back to Query.
func (c *Client) Changes(ctx context.Context, since State) (ChangesResult, error) {
	callID := c.newCallID()
	args := map[string]interface{}{
		"accountId": c.accountID,
		"sinceState": since,
	}
	responses, err := c.call(ctx, invocation{name: "Email/changes", args: args, callID: callID})
	if err != nil {
		return ChangesResult{}, err
	}
	var raw struct {
		Created   []message.ID `json:"created"`
		Updated   []message.ID `json:"updated"`
		Destroyed []message.ID `json:"destroyed"`
		NewState  State        `json:"newState"`
		HasMore   bool         `json:"hasMoreChanges"`
	}
	if err := decodeResult(responses[callID], &raw); err != nil {
		return ChangesResult{}, err
	}
	return ChangesResult{
		Created:   raw.Created,
		Updated:   raw.Updated,
		Destroyed: raw.Destroyed,
		NewState:  raw.NewState,
		HasMore:   raw.HasMore,
	}, nil
}

// Query implements Email/query with no filter: the complete set of
// MessageIDs visible to the account, used on full (cold or
// state-expired) sync.
func (c *Client) Query(ctx context.Context) ([]message.ID, error) {
	var ids []message.ID
	position := 0
	for {
		callID := c.newCallID()
		args := map[string]interface{}{
			"accountId": c.accountID,
			"position":  position,
		}
		responses, err := c.call(ctx, invocation{name: "Email/query", args: args, callID: callID})
		if err != nil {
			return nil, err
		}
		var raw struct {
			IDs   []message.ID `json:"ids"`
			Total int          `json:"total"`
		}
		if err := decodeResult(responses[callID], &raw); err != nil {
			return nil, err
		}
		ids = append(ids, raw.IDs...)
		if len(raw.IDs) == 0 || len(ids) >= raw.Total {
			break
		}
		position += len(raw.IDs)
	}
	return ids, nil
}

// emailProperties is the fixed requested property set for Email/get, per
// spec.md §4.1.
var emailProperties = []string{"id", "blobId", "keywords", "mailboxIds"}

// GetResult is the decoded result of an Email/get call.
type GetResult struct {
	Snapshots map[message.ID]message.RemoteSnapshot
	NotFound  []message.ID
	NewState  State
}

// Get implements Email/get restricted to the fixed property set mujmap
// relies on, in batches of at most maxGetBatch ids.
const maxGetBatch = 500

func (c *Client) Get(ctx context.Context, ids []message.ID) (GetResult, error) {
	out := GetResult{Snapshots: map[message.ID]message.RemoteSnapshot{}}
	for start := 0; start < len(ids); start += maxGetBatch {
		end := start + maxGetBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		callID := c.newCallID()
		args := map[string]interface{}{
			"accountId":  c.accountID,
			"ids":        batch,
			"properties": emailProperties,
		}
		responses, err := c.call(ctx, invocation{name: "Email/get", args: args, callID: callID})
		if err != nil {
			return GetResult{}, err
		}
		var raw struct {
			List []struct {
				ID         message.ID                `json:"id"`
				BlobID     message.BlobID             `json:"blobId"`
				Keywords   map[message.Keyword]bool   `json:"keywords"`
				MailboxIDs map[message.MailboxID]bool `json:"mailboxIds"`
			} `json:"list"`
			NotFound []message.ID `json:"notFound"`
			State    State        `json:"state"`
		}
		if err := decodeResult(responses[callID], &raw); err != nil {
			return GetResult{}, err
		}
		for _, item := range raw.List {
			out.Snapshots[item.ID] = message.RemoteSnapshot{
				ID:         item.ID,
				BlobID:     item.BlobID,
				Keywords:   item.Keywords,
				MailboxIDs: item.MailboxIDs,
			}
		}
		out.NotFound = append(out.NotFound, raw.NotFound...)
		out.NewState = raw.State
	}
	return out, nil
}

// Mailboxes implements Mailbox/get with no ids filter: the full mailbox
// list, once per sync.
func (c *Client) Mailboxes(ctx context.Context) ([]message.Mailbox, error) {
	callID := c.newCallID()
	args := map[string]interface{}{
		"accountId": c.accountID,
	}
	responses, err := c.call(ctx, invocation{name: "Mailbox/get", args: args, callID: callID})
	if err != nil {
		return nil, err
	}
	var raw struct {
		List []struct {
			ID       message.MailboxID `json:"id"`
			Name     string             `json:"name"`
			ParentID message.MailboxID  `json:"parentId"`
			Role     message.Role       `json:"role"`
		} `json:"list"`
	}
	if err := decodeResult(responses[callID], &raw); err != nil {
		return nil, err
	}
	mailboxes := make([]message.Mailbox, 0, len(raw.List))
	for _, m := range raw.List {
		mailboxes = append(mailboxes, message.Mailbox{
			ID:       m.ID,
			Name:     m.Name,
			Role:     m.Role,
			ParentID: m.ParentID,
		})
	}
	return mailboxes, nil
}

// CreateMailbox implements Mailbox/set create for auto-created mailboxes
// (spec.md §4.3's mailbox auto-creation edge policy).
func (c *Client) CreateMailbox(ctx context.Context, name string, parentID message.MailboxID) (message.MailboxID, error) {
	callID := c.newCallID()
	createArgs := map[string]interface{}{"name": name}
	if parentID != "" {
		createArgs["parentId"] = parentID
	}
	args := map[string]interface{}{
		"accountId": c.accountID,
		"create":    map[string]interface{}{"new": createArgs},
	}
	responses, err := c.call(ctx, invocation{name: "Mailbox/set", args: args, callID: callID})
	if err != nil {
		return "", err
	}
	var raw struct {
		Created    map[string]struct{ ID message.MailboxID `json:"id"` } `json:"created"`
		NotCreated map[string]jmapError                                 `json:"notCreated"`
	}
	if err := decodeResult(responses[callID], &raw); err != nil {
		return "", err
	}
	if created, ok := raw.Created["new"]; ok {
		return created.ID, nil
	}
	if failure, ok := raw.NotCreated["new"]; ok {
		return "", errors.Errorf("mailbox creation for %q rejected: %s", name, failure.Type)
	}
	return "", errors.Errorf("mailbox creation for %q returned no result", name)
}

// Patch is the set of path-style additions/removals to apply to one
// message's keywords and mailboxIds via Email/set, per spec.md §4.1.
type Patch struct {
	AddKeywords     map[message.Keyword]bool
	RemoveKeywords  map[message.Keyword]bool
	AddMailboxes    map[message.MailboxID]bool
	RemoveMailboxes map[message.MailboxID]bool

	// Current is the message's full desired (keywords, mailboxIds) pair,
	// used only when the client has fallen back to whole-object
	// replacement mode.
	Current message.RemoteSnapshot
}

func (p Patch) pathStyle() map[string]interface{} {
	patch := map[string]interface{}{}
	for k := range p.AddKeywords {
		patch[fmt.Sprintf("keywords/%s", k)] = true
	}
	for k := range p.RemoveKeywords {
		patch[fmt.Sprintf("keywords/%s", k)] = nil
	}
	for m := range p.AddMailboxes {
		patch[fmt.Sprintf("mailboxIds/%s", m)] = true
	}
	for m := range p.RemoveMailboxes {
		patch[fmt.Sprintf("mailboxIds/%s", m)] = nil
	}
	return patch
}

func (p Patch) wholeObject() map[string]interface{} {
	keywords := map[message.Keyword]bool{}
	for k, v := range p.Current.Keywords {
		keywords[k] = v
	}
	for k := range p.RemoveKeywords {
		delete(keywords, k)
	}
	for k := range p.AddKeywords {
		keywords[k] = true
	}
	mailboxIDs := map[message.MailboxID]bool{}
	for m, v := range p.Current.MailboxIDs {
		mailboxIDs[m] = v
	}
	for m := range p.RemoveMailboxes {
		delete(mailboxIDs, m)
	}
	for m := range p.AddMailboxes {
		mailboxIDs[m] = true
	}
	return map[string]interface{}{
		"keywords":   keywords,
		"mailboxIds": mailboxIDs,
	}
}

// SetResult reports, per message id, whether the Email/set update for it
// was accepted.
type SetResult struct {
	Updated    map[message.ID]bool
	NewState   State
	Rejections map[message.ID]string
}

// Set implements Email/set update for a batch of per-message patches.
// Updates use path-style set/unset patches unless the client has
// previously fallen back to whole-object replacement because a server
// rejected path-style patches (spec.md §4.1's compatibility mode).
func (c *Client) Set(ctx context.Context, patches map[message.ID]Patch) (SetResult, error) {
	if len(patches) == 0 {
		return SetResult{Updated: map[message.ID]bool{}}, nil
	}
	update := make(map[message.ID]map[string]interface{}, len(patches))
	for id, p := range patches {
		if c.replacePatches {
			update[id] = p.wholeObject()
		} else {
			update[id] = p.pathStyle()
		}
	}
	callID := c.newCallID()
	args := map[string]interface{}{
		"accountId": c.accountID,
		"update":    update,
	}
	responses, err := c.call(ctx, invocation{name: "Email/set", args: args, callID: callID})
	if err != nil {
		return SetResult{}, err
	}
	var raw struct {
		Updated     map[message.ID]json.RawMessage `json:"updated"`
		NotUpdated  map[message.ID]jmapError       `json:"notUpdated"`
		NewState    State                          `json:"newState"`
	}
	if err := decodeResult(responses[callID], &raw); err != nil {
		return SetResult{}, err
	}

	result := SetResult{Updated: map[message.ID]bool{}, NewState: raw.NewState, Rejections: map[message.ID]string{}}
	fellBack := false
	for id := range raw.Updated {
		result.Updated[id] = true
	}
	for id, failure := range raw.NotUpdated {
		result.Rejections[id] = failure.Type
		if !c.replacePatches && (failure.Type == "invalidPatch" || failure.Type == "invalidProperties") {
			fellBack = true
		}
	}
	if fellBack {
		// A server that rejects path-style patches gets exactly one
		// chance to retry this same batch as whole-object
		// replacements; the sync engine's per-message patches are
		// idempotent so resubmitting is safe.
		c.replacePatches = true
		return c.Set(ctx, patches)
	}
	return result, nil
}

// Download fetches the blob named by blobID from the account's download
// URL template and returns a stream of its bytes. Callers must close it.
func (c *Client) Download(ctx context.Context, id message.ID, blobID message.BlobID) (io.ReadCloser, error) {
	if c.downloadURL == "" {
		return nil, errors.New("jmap client is not connected")
	}
	url := expandDownloadURL(c.downloadURL, c.accountID, string(blobID), string(id))
	var body io.ReadCloser
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		c.applyAuth(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, "downloading blob %s", blobID)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drainBody(resp.Body)
			return ErrAuthentication
		}
		if resp.StatusCode/100 != 2 {
			drainBody(resp.Body)
			return errors.Errorf("downloading blob %s: status %d", blobID, resp.StatusCode)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// expandDownloadURL substitutes the URI template variables JMAP defines
// for the download endpoint: {accountId}, {blobId}, {name}, {type}.
func expandDownloadURL(template, accountID, blobID, name string) string {
	replacer := map[string]string{
		"{accountId}": accountID,
		"{blobId}":    blobID,
		"{name}":      name,
		"{type}":      "application/octet-stream",
	}
	out := template
	for k, v := range replacer {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}

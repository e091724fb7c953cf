// Package clusterclient is the peer-to-peer RPC client used by repair
// and two-phase commit to talk to another replica, addressed by
// node_id resolved through the registry (§4.5). The wire contract is
// REST/JSON over HTTP, including raw-byte part responses carrying an
// x-rimio-sha256 header, matching §6's peer RPC surface exactly.
package clusterclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

// Client talks to one or more peers over HTTP, optionally mTLS-secured
// per §4.5's "authenticated channel" requirement.
type Client struct {
	http   *http.Client
	scheme string
}

// New creates a cluster client that dials peers over plain HTTP, for
// single-machine deployments and tests that don't exercise pkg/security.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}, scheme: "http"}
}

// NewTLS creates a cluster client that dials peers over mutual TLS using
// tlsConfig (see security.ClientTLSConfig).
func NewTLS(tlsConfig *tls.Config) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		scheme: "https",
	}
}

// HeadResponse is the decoded body of GET /internal/head/{slot}/{path}.
type HeadResponse struct {
	Found      bool                 `json:"found"`
	HeadKind   types.HeadKind       `json:"head_kind,omitempty"`
	Generation int64                `json:"generation,omitempty"`
	HeadSHA256 string               `json:"head_sha256,omitempty"`
	Meta       *types.BlobMeta      `json:"meta,omitempty"`
	Tombstone  *types.TombstoneMeta `json:"tombstone,omitempty"`
}

func (c *Client) peerBase(peerAddr string) string {
	return fmt.Sprintf("%s://%s", c.scheme, peerAddr)
}

// FetchRemoteHead fetches the current head for (slot, path) from peerAddr.
func (c *Client) FetchRemoteHead(ctx context.Context, peerAddr string, slotID uint32, path string) (*types.BlobHead, error) {
	url := fmt.Sprintf("%s/internal/head/%d/%s", c.peerBase(peerAddr), slotID, path)

	var resp HeadResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, rimerr.Wrap(rimerr.KindTransport, err, "fetch_remote_head")
	}
	if !resp.Found {
		return nil, nil
	}
	return &types.BlobHead{
		Path:       path,
		Generation: resp.Generation,
		Kind:       resp.HeadKind,
		HeadSHA256: resp.HeadSHA256,
		Meta:       resp.Meta,
		Tombstone:  resp.Tombstone,
	}, nil
}

// PartResult is the outcome of a successful part fetch.
type PartResult struct {
	Data   []byte
	SHA256 string
}

// FetchPartByIndex fetches a part by its positional index.
func (c *Client) FetchPartByIndex(ctx context.Context, peerAddr string, slotID uint32, path string, generation int64, partNo uint32) (*PartResult, error) {
	url := fmt.Sprintf("%s/internal/part/%d/-?path=%s&generation=%d&part_no=%d",
		c.peerBase(peerAddr), slotID, path, generation, partNo)
	return c.fetchPart(ctx, url)
}

// FetchPartBySHA fetches a part and asks the peer to verify its hash
// matches sha256hex server-side before returning it.
func (c *Client) FetchPartBySHA(ctx context.Context, peerAddr string, slotID uint32, sha256hex, path string, generation int64, partNo uint32) (*PartResult, error) {
	url := fmt.Sprintf("%s/internal/part/%d/%s?path=%s&generation=%d&part_no=%d",
		c.peerBase(peerAddr), slotID, sha256hex, path, generation, partNo)
	return c.fetchPart(ctx, url)
}

func (c *Client) fetchPart(ctx context.Context, url string) (*PartResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindTransport, err, "building part fetch request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindTransport, err, "part fetch")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, rimerr.New(rimerr.KindPartNotFound, "peer reports part not found")
	}
	if resp.StatusCode >= 300 {
		return nil, rimerr.Newf(rimerr.KindTransport, "part fetch: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindTransport, err, "reading part fetch body")
	}

	return &PartResult{Data: data, SHA256: resp.Header.Get("x-rimio-sha256")}, nil
}

// ListHeadsAfter fetches every head a peer has applied with generation
// strictly greater than cursor, for anti-entropy catch-up (§4.7's
// anti-entropy loop), backed by GET /internal/heads/{slot}?after=.
func (c *Client) ListHeadsAfter(ctx context.Context, peerAddr string, slotID uint32, cursor int64) ([]types.BlobHead, error) {
	url := fmt.Sprintf("%s/internal/heads/%d?after=%d", c.peerBase(peerAddr), slotID, cursor)

	var heads []types.BlobHead
	if err := c.getJSON(ctx, url, &heads); err != nil {
		return nil, rimerr.Wrap(rimerr.KindTransport, err, "list_heads_after")
	}
	return heads, nil
}

// PrepareRequest is the body of POST /internal/tx/{tx_id}/prepare. Proposed
// carries either a Meta or a Tombstone, selected by HeadKind, mirroring
// BlobHead's own shape so writes and deletes share one wire message.
type PrepareRequest struct {
	SlotID     uint32               `json:"slot_id"`
	Path       string               `json:"path"`
	Generation int64                `json:"generation"`
	HeadKind   types.HeadKind       `json:"head_kind"`
	Meta       *types.BlobMeta      `json:"meta,omitempty"`
	Tombstone  *types.TombstoneMeta `json:"tombstone,omitempty"`
	HeadSHA256 string               `json:"head_sha256"`
}

// Prepare sends the Prepare message of 2PC to a participant.
func (c *Client) Prepare(ctx context.Context, peerAddr, txID string, req PrepareRequest) (types.Vote, error) {
	url := fmt.Sprintf("%s/internal/tx/%s/prepare", c.peerBase(peerAddr), txID)

	var vote types.Vote
	if err := c.postJSON(ctx, url, req, &vote); err != nil {
		// A transport failure at Prepare is treated as a No vote, per §4.6's
		// failure model: silence beyond a deadline is a No.
		return types.Vote{Yes: false, Reason: err.Error()}, nil
	}
	return vote, nil
}

// Commit sends the Commit decision to a participant. Callers must retry
// until acked, per §4.6's "commit must be retried until acked".
func (c *Client) Commit(ctx context.Context, peerAddr, txID string) error {
	url := fmt.Sprintf("%s/internal/tx/%s/commit", c.peerBase(peerAddr), txID)
	if err := c.postJSON(ctx, url, struct{}{}, nil); err != nil {
		return rimerr.Wrap(rimerr.KindTransport, err, "commit")
	}
	return nil
}

// Abort sends the Abort decision to a participant.
func (c *Client) Abort(ctx context.Context, peerAddr, txID string) error {
	url := fmt.Sprintf("%s/internal/tx/%s/abort", c.peerBase(peerAddr), txID)
	if err := c.postJSON(ctx, url, struct{}{}, nil); err != nil {
		return rimerr.Wrap(rimerr.KindTransport, err, "abort")
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

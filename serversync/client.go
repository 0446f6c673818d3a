package serversync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wsussync/wsussync/cab"
	"github.com/wsussync/wsussync/metadata"
)

// Client call behavior per the protocol: a long send/receive timeout,
// constant-interval retries and a token refresh skew so a cookie never
// expires mid-batch.
const (
	clientTimeout    = 3 * time.Minute
	retryInterval    = 5 * time.Second
	retryAttempts    = 10
	tokenRefreshSkew = 2 * time.Minute
)

// accessToken caches one authentication round-trip.
type accessToken struct {
	authInfo   AuthPlugInInfo
	authCookie AuthorizationCookie
	cookie     Cookie
}

// Client is an upstream server-to-server sync client. It authenticates
// lazily and re-authenticates when the cached access cookie nears
// expiration. A Client is safe for concurrent use.
type Client struct {
	endpoint    string
	accountName string
	accountGUID uuid.UUID
	http        *http.Client
	logger      *logrus.Logger

	mu       sync.Mutex
	token    *accessToken
	maxBatch int32
}

// NewClient returns a client for the upstream server at the given base URL
// (scheme and host, without the web service paths).
func NewClient(endpoint string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	accountGUID := uuid.New()

	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		accountName: accountGUID.String(),
		accountGUID: accountGUID,
		http:        &http.Client{Timeout: clientTimeout},
		logger:      logger,
	}
}

// call runs one SOAP call with constant-interval retries. Faults and
// cancellation abort immediately; transport errors retry.
func (c *Client) call(ctx context.Context, url string, action string, body any, out any) error {
	operation := func() error {
		err := Call(ctx, c.http, url, action, body, out)
		if err != nil {
			var fault *Fault
			if errors.As(err, &fault) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			c.logger.WithError(err).Warnf("Retrying %q", action)

			return err
		}

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), retryAttempts-1), ctx)

	return backoff.Retry(operation, policy)
}

// authenticate returns a valid access cookie, running the three-step
// authentication exchange when the cached one is missing or about to expire.
func (c *Client) authenticate(ctx context.Context) (*Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && time.Until(c.token.cookie.Expiration) > tokenRefreshSkew {
		cookie := c.token.cookie
		return &cookie, nil
	}

	var authConfig GetAuthConfigResponse

	err := c.call(ctx, c.endpoint+ServerSyncPath, Action("GetAuthConfig"), GetAuthConfigRequest{}, &authConfig)
	if err != nil {
		return nil, fmt.Errorf("Failed to get auth config: %w", err)
	}

	var authInfo *AuthPlugInInfo

	for _, plugin := range authConfig.Result.AuthInfo {
		if plugin.PlugInID == DssTargetingPlugInID {
			authInfo = &plugin
			break
		}
	}

	if authInfo == nil {
		return nil, fmt.Errorf("Upstream offers no %q authentication plugin", DssTargetingPlugInID)
	}

	var authCookie GetAuthorizationCookieResponse

	err = c.call(ctx, c.serviceURL(authInfo.ServiceURL), DssAction("GetAuthorizationCookie"), GetAuthorizationCookieRequest{
		AccountName: c.accountName,
		AccountGUID: c.accountGUID.String(),
	}, &authCookie)
	if err != nil {
		return nil, fmt.Errorf("Failed to get authorization cookie: %w", err)
	}

	var cookie GetCookieResponse

	err = c.call(ctx, c.endpoint+ServerSyncPath, Action("GetCookie"), GetCookieRequest{
		AuthCookies:     []AuthorizationCookie{authCookie.Result},
		ProtocolVersion: "1.7",
	}, &cookie)
	if err != nil {
		return nil, fmt.Errorf("Failed to get access cookie: %w", err)
	}

	c.token = &accessToken{
		authInfo:   *authInfo,
		authCookie: authCookie.Result,
		cookie:     cookie.Cookie,
	}

	c.logger.WithField("expiration", cookie.Cookie.Expiration).Debug("Authenticated against upstream")

	result := cookie.Cookie

	return &result, nil
}

// serviceURL resolves the plugin-advertised service URL, which upstreams
// publish relative to their base.
func (c *Client) serviceURL(serviceURL string) string {
	if strings.HasPrefix(serviceURL, "http://") || strings.HasPrefix(serviceURL, "https://") {
		return serviceURL
	}

	return c.endpoint + "/" + strings.TrimLeft(serviceURL, "/")
}

// ConfigData fetches the upstream's sync limits and records the batch
// ceiling for subsequent update fetches.
func (c *Client) ConfigData(ctx context.Context) (*ServerSyncConfigData, error) {
	cookie, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var resp GetConfigDataResponse

	err = c.call(ctx, c.endpoint+ServerSyncPath, Action("GetConfigData"), GetConfigDataRequest{Cookie: cookie}, &resp)
	if err != nil {
		return nil, fmt.Errorf("Failed to get config data: %w", err)
	}

	c.mu.Lock()
	c.maxBatch = clampBatchSize(resp.Config.MaxNumberOfUpdatesPerRequest)
	c.mu.Unlock()

	return &resp.Config, nil
}

// clampBatchSize squeezes the upstream's int64-shaped batch ceiling into the
// int32 range the protocol actually allows.
func clampBatchSize(max int64) int32 {
	if max > math.MaxInt32 {
		return math.MaxInt32
	}

	if max < 1 {
		return 1
	}

	return int32(max)
}

// batchSize returns the recorded batch ceiling, fetching the upstream config
// on first use.
func (c *Client) batchSize(ctx context.Context) (int32, error) {
	c.mu.Lock()
	maxBatch := c.maxBatch
	c.mu.Unlock()

	if maxBatch > 0 {
		return maxBatch, nil
	}

	_, err := c.ConfigData(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxBatch, nil
}

// RevisionIDList fetches the revision ids selected by the filter, returning
// them with the anchor to resume from.
func (c *Client) RevisionIDList(ctx context.Context, filter ServerSyncFilter) (string, []UpdateIdentity, error) {
	cookie, err := c.authenticate(ctx)
	if err != nil {
		return "", nil, err
	}

	var resp GetRevisionIDListResponse

	err = c.call(ctx, c.endpoint+ServerSyncPath, Action("GetRevisionIdList"), GetRevisionIDListRequest{
		Cookie: cookie,
		Filter: &filter,
	}, &resp)
	if err != nil {
		return "", nil, fmt.Errorf("Failed to get revision id list: %w", err)
	}

	return resp.Result.Anchor, resp.Result.NewRevisions, nil
}

// UpdateData fetches metadata for the given revision ids and parses each
// blob into a package. Requests exceeding the server's batch ceiling split
// automatically; cancellation is honored between batches.
func (c *Client) UpdateData(ctx context.Context, ids []UpdateIdentity) ([]metadata.Package, error) {
	maxBatch, err := c.batchSize(ctx)
	if err != nil {
		return nil, err
	}

	var pkgs []metadata.Package

	for len(ids) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		batch := ids
		if len(batch) > int(maxBatch) {
			batch = batch[:maxBatch]
		}

		ids = ids[len(batch):]

		batchPkgs, err := c.fetchBatch(ctx, batch)
		if err != nil {
			return nil, err
		}

		pkgs = append(pkgs, batchPkgs...)
	}

	return pkgs, nil
}

// fetchBatch fetches and parses one GetUpdateData batch.
func (c *Client) fetchBatch(ctx context.Context, ids []UpdateIdentity) ([]metadata.Package, error) {
	cookie, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var resp GetUpdateDataResponse

	err = c.call(ctx, c.endpoint+ServerSyncPath, Action("GetUpdateData"), GetUpdateDataRequest{
		Cookie:    cookie,
		UpdateIDs: ids,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("Failed to get update data: %w", err)
	}

	urls := urlTable(resp.Result.FileURLs)

	pkgs := make([]metadata.Package, 0, len(resp.Result.Updates))

	for _, data := range resp.Result.Updates {
		id := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, data.ID.UpdateID, data.ID.RevisionNumber)

		pkg, err := parseUpdateData(ctx, id, data, urls)
		if err != nil {
			return nil, err
		}

		pkgs = append(pkgs, pkg)
	}

	return pkgs, nil
}

// parseUpdateData parses one update blob, expanding cabinet-compressed ones
// first.
func parseUpdateData(ctx context.Context, id metadata.PackageIdentity, data ServerSyncUpdateData, urls map[string]metadata.FileURL) (metadata.Package, error) {
	if data.XMLUpdateBlob != "" {
		return metadata.ParsePackage(id, []byte(data.XMLUpdateBlob), urls)
	}

	if len(data.XMLUpdateBlobCompressed) == 0 {
		return nil, fmt.Errorf("%w: %s carries no metadata blob", metadata.ErrMissingMetadata, id)
	}

	expanded, err := cab.Expand(ctx, data.XMLUpdateBlobCompressed)
	if err != nil {
		return nil, fmt.Errorf("Failed to expand metadata of %q: %w", id, err)
	}

	return metadata.ParsePackageCompressed(id, expanded, urls)
}

// urlTable converts the batch-global URL rows into the digest-keyed map the
// parser joins against.
func urlTable(rows []ServerSyncURLData) map[string]metadata.FileURL {
	if len(rows) == 0 {
		return nil
	}

	urls := make(map[string]metadata.FileURL, len(rows))

	for _, row := range rows {
		key := base64.StdEncoding.EncodeToString(row.FileDigest)
		urls[key] = metadata.FileURL{MUURL: row.MUURL, USSURL: row.USSURL}
	}

	return urls
}

// ProbeExpired searches for a still-served revision of an update that no
// longer appears in revision id lists. Starting at the hint, it walks
// revisions downward, treating faults as misses, until a revision resolves
// or the window floor is reached. A fully exhausted probe returns nil.
func (c *Client) ProbeExpired(ctx context.Context, updateID uuid.UUID, revisionHint int32, window int32) (metadata.Package, error) {
	low := (revisionHint/100)*100 + window
	if low > revisionHint {
		low = 0
	}

	for revision := revisionHint; revision >= low && revision >= 1; revision-- {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pkgs, err := c.UpdateData(ctx, []UpdateIdentity{{UpdateID: updateID, RevisionNumber: revision}})
		if err != nil {
			var fault *Fault
			if errors.As(err, &fault) {
				c.logger.WithField("revision", revision).Debugf("Revision probe missed: %v", fault)
				continue
			}

			return nil, err
		}

		if len(pkgs) > 0 {
			return pkgs[0], nil
		}
	}

	return nil, nil
}

package server_test

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/server"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/store"
	"github.com/wsussync/wsussync/testutils"
)

// serverFixture is a running server over a small catalog: two products, one
// classification, a bundle with one bundled child carrying a payload file,
// and one unrelated update.
type serverFixture struct {
	ts *httptest.Server

	productA       uuid.UUID
	productB       uuid.UUID
	classification uuid.UUID

	bundle serversync.UpdateIdentity
	child  serversync.UpdateIdentity
	other  serversync.UpdateIdentity

	payload []byte
	muURL   string
	file    metadata.ContentFile
}

func wireID(builder *testutils.UpdateXML) serversync.UpdateIdentity {
	return serversync.UpdateIdentity{UpdateID: builder.UpdateID(), RevisionNumber: builder.Revision()}
}

func parseBuilder(t *testing.T, builder *testutils.UpdateXML, urls map[string]metadata.FileURL) metadata.Package {
	t.Helper()

	id := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, builder.UpdateID(), builder.Revision())

	pkg, err := metadata.ParsePackage(id, builder.Build(), urls)
	require.NoError(t, err)

	return pkg
}

func newServerFixture(t *testing.T, config serversync.ServerSyncConfigData) *serverFixture {
	t.Helper()

	fixture := &serverFixture{
		payload: []byte("cumulative update payload bytes"),
		muURL:   "http://download.windowsupdate.com/d/msdownload/core.cab",
	}

	sum := sha1.Sum(fixture.payload)
	digest := base64.StdEncoding.EncodeToString(sum[:])
	urls := map[string]metadata.FileURL{digest: {MUURL: fixture.muURL}}

	productA := testutils.NewProductXML("Windows 11")
	productB := testutils.NewProductXML("Office")
	classification := testutils.NewClassificationXML("Security Updates")

	child := testutils.NewSoftwareXML("Cumulative Update Core").
		WithFile(testutils.FileSpec{Name: "core.cab", Size: int64(len(fixture.payload)), Digest: digest})

	bundle := testutils.NewSoftwareXML("Cumulative Update").
		WithCategoryGroup(productA.UpdateID()).
		WithCategoryGroup(classification.UpdateID()).
		WithBundled(child.UpdateID(), child.Revision())

	other := testutils.NewSoftwareXML("Office Update").
		WithCategoryGroup(productB.UpdateID()).
		WithCategoryGroup(classification.UpdateID())

	fixture.productA = productA.UpdateID()
	fixture.productB = productB.UpdateID()
	fixture.classification = classification.UpdateID()
	fixture.bundle = wireID(bundle)
	fixture.child = wireID(child)
	fixture.other = wireID(other)

	st, err := store.OpenOrCreate(t.TempDir(), nil)
	require.NoError(t, err)

	for _, builder := range []*testutils.UpdateXML{productA, productB, classification, child, bundle, other} {
		require.NoError(t, st.AddPackage(parseBuilder(t, builder, urls)))
	}

	require.NoError(t, st.Flush())

	childIndex, err := st.IndexOf(metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, child.UpdateID(), child.Revision()))
	require.NoError(t, err)

	files, err := st.PackageFiles(childIndex)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fixture.file = files[0]

	// Seed the payload as a completed, verified download.
	cs, err := content.NewStore(t.TempDir())
	require.NoError(t, err)

	path, err := cs.Path(&fixture.file)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, fixture.payload, 0644))

	_, err = cs.Download(context.Background(), content.NewDownloader(nil), &fixture.file, nil)
	require.NoError(t, err)

	srv := server.New(nil)
	srv.SetConfig(config)
	srv.SetContentStore(cs)
	require.NoError(t, srv.SetPackageStore(st))

	fixture.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(fixture.ts.Close)

	return fixture
}

func defaultConfig() serversync.ServerSyncConfigData {
	return serversync.ServerSyncConfigData{
		ProtocolVersion:              "1.7",
		MaxNumberOfUpdatesPerRequest: 100,
	}
}

func TestServerSyncEndToEnd(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())
	ctx := context.Background()

	// The sync client runs its full authentication exchange against the
	// server before the first method call.
	client := serversync.NewClient(fixture.ts.URL, nil)

	config, err := client.ConfigData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.7", config.ProtocolVersion)
	assert.Equal(t, int64(100), config.MaxNumberOfUpdatesPerRequest)

	// Category queries return all categories and a fresh anchor.
	anchor, categories, err := client.RevisionIDList(ctx, serversync.ServerSyncFilter{GetConfig: true})
	require.NoError(t, err)
	assert.NotEmpty(t, anchor)
	assert.Len(t, categories, 3)

	// Update queries intersect product and classification scopes and pull
	// in bundled children.
	anchor, revisions, err := client.RevisionIDList(ctx, serversync.ServerSyncFilter{
		Categories:      []serversync.IdAndDelta{{ID: fixture.productA}},
		Classifications: []serversync.IdAndDelta{{ID: fixture.classification}},
	})
	require.NoError(t, err)
	assert.Empty(t, anchor)
	assert.ElementsMatch(t, []serversync.UpdateIdentity{fixture.bundle, fixture.child}, revisions)

	pkgs, err := client.UpdateData(ctx, revisions)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	var childPkg metadata.Package
	for _, pkg := range pkgs {
		if pkg.ID().UpdateID == fixture.child.UpdateID {
			childPkg = pkg
		}
	}

	require.NotNil(t, childPkg)

	// The URL table joined back onto the file, with the USS URL rewritten
	// to the server's own content handler.
	files, err := childPkg.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, fixture.muURL, files[0].Source.MUURL)

	urlPath, err := content.URLPath(&fixture.file)
	require.NoError(t, err)
	assert.Equal(t, urlPath, files[0].Source.USSURL)
}

func TestServerRevisionIDListScoping(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())
	client := serversync.NewClient(fixture.ts.URL, nil)

	// Product B only holds the unrelated update.
	_, revisions, err := client.RevisionIDList(context.Background(), serversync.ServerSyncFilter{
		Categories:      []serversync.IdAndDelta{{ID: fixture.productB}},
		Classifications: []serversync.IdAndDelta{{ID: fixture.classification}},
	})
	require.NoError(t, err)
	assert.Equal(t, []serversync.UpdateIdentity{fixture.other}, revisions)

	// Disjoint scopes intersect to nothing.
	_, revisions, err = client.RevisionIDList(context.Background(), serversync.ServerSyncFilter{
		Categories: []serversync.IdAndDelta{{ID: fixture.productA}},
	})
	require.NoError(t, err)
	assert.Empty(t, revisions)
}

func TestServerRevisionIDListMissingFilter(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())

	var resp serversync.GetRevisionIDListResponse

	err := serversync.Call(context.Background(), http.DefaultClient, fixture.ts.URL+serversync.ServerSyncPath,
		serversync.Action("GetRevisionIdList"), serversync.GetRevisionIDListRequest{}, &resp)

	var fault *serversync.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "soap:Client", fault.Code)
}

func TestServerUpdateDataRequestCap(t *testing.T) {
	t.Parallel()

	config := defaultConfig()
	config.MaxNumberOfUpdatesPerRequest = 1

	fixture := newServerFixture(t, config)

	// Requests above the advertised ceiling get a null body, not a fault.
	var resp serversync.GetUpdateDataResponse

	err := serversync.Call(context.Background(), http.DefaultClient, fixture.ts.URL+serversync.ServerSyncPath,
		serversync.Action("GetUpdateData"), serversync.GetUpdateDataRequest{
			UpdateIDs: []serversync.UpdateIdentity{fixture.bundle, fixture.child},
		}, &resp)
	require.NoError(t, err)
	assert.Empty(t, resp.Result.Updates)
	assert.Empty(t, resp.Result.FileURLs)
}

func TestServerUpdateDataUnknownID(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())

	var resp serversync.GetUpdateDataResponse

	err := serversync.Call(context.Background(), http.DefaultClient, fixture.ts.URL+serversync.ServerSyncPath,
		serversync.Action("GetUpdateData"), serversync.GetUpdateDataRequest{
			UpdateIDs: []serversync.UpdateIdentity{{UpdateID: uuid.New(), RevisionNumber: 1}},
		}, &resp)

	var fault *serversync.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "soap:Client", fault.Code)
}

func TestServerDssAuthDoubleSlashAlias(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())

	// Some downstream servers request the DSS path with a doubled leading
	// slash. The server must answer directly since SOAP clients do not
	// follow redirects.
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("unexpected redirect")
		},
	}

	var resp serversync.GetAuthorizationCookieResponse

	err := serversync.Call(context.Background(), client, fixture.ts.URL+"/"+serversync.DssAuthPath,
		serversync.DssAction("GetAuthorizationCookie"), serversync.GetAuthorizationCookieRequest{
			AccountName: "test",
			AccountGUID: uuid.New().String(),
		}, &resp)
	require.NoError(t, err)
	assert.Equal(t, serversync.DssTargetingPlugInID, resp.Result.PlugInID)
}

func TestServerContentHandler(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())

	urlPath, err := content.URLPath(&fixture.file)
	require.NoError(t, err)

	resp, err := http.Get(fixture.ts.URL + "/" + urlPath)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "core.cab")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fixture.payload, body)

	// HEAD works too.
	resp, err = http.Head(fixture.ts.URL + "/" + urlPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unknown digests are a plain 404.
	resp, err = http.Get(fixture.ts.URL + "/microsoftupdate/content/AB/ABABABAB.cab")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Writes are rejected.
	resp, err = http.Post(fixture.ts.URL+"/"+urlPath, "application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerStatusPage(t *testing.T) {
	t.Parallel()

	fixture := newServerFixture(t, defaultConfig())

	resp, err := http.Get(fixture.ts.URL + "/")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Update mirror")

	// Unknown paths under the root fall through to 404.
	resp, err = http.Get(fixture.ts.URL + "/no-such-page")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Metrics are exposed alongside.
	resp, err = http.Get(fixture.ts.URL + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "wsussync_http_requests_total")
}

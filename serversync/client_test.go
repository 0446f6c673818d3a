package serversync_test

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/testutils"
)

// fakeUpstream is an httptest-backed ServerSync endpoint. It serves canned
// authentication, a configurable batch ceiling and a revision-keyed update
// table; requests for unknown revisions fault like the real service.
type fakeUpstream struct {
	t *testing.T

	authCalls atomic.Int32

	maxBatch int64
	updates  map[serversync.UpdateIdentity][]byte
	urls     []serversync.ServerSyncURLData

	mu      sync.Mutex
	batches [][]serversync.UpdateIdentity
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{
		t:        t,
		maxBatch: 200,
		updates:  map[serversync.UpdateIdentity][]byte{},
	}
}

func (f *fakeUpstream) start() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(serversync.ServerSyncPath, f.handle)
	mux.HandleFunc(serversync.DssAuthPath, f.handle)

	server := httptest.NewServer(mux)
	f.t.Cleanup(server.Close)

	return server
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	action := r.Header.Get("SOAPAction")

	switch action {
	case `"` + serversync.Action("GetAuthConfig") + `"`:
		f.authCalls.Add(1)

		var resp serversync.GetAuthConfigResponse
		resp.Result.AuthInfo = []serversync.AuthPlugInInfo{{
			PlugInID:   serversync.DssTargetingPlugInID,
			ServiceURL: "DssAuthWebService/DssAuthWebService.asmx",
		}}

		f.reply(w, resp)

	case `"` + serversync.DssAction("GetAuthorizationCookie") + `"`:
		f.reply(w, serversync.GetAuthorizationCookieResponse{
			Result: serversync.AuthorizationCookie{
				PlugInID:   serversync.DssTargetingPlugInID,
				CookieData: []byte("auth-cookie"),
			},
		})

	case `"` + serversync.Action("GetCookie") + `"`:
		f.reply(w, serversync.GetCookieResponse{
			Cookie: serversync.Cookie{
				Expiration:    time.Now().Add(time.Hour).UTC(),
				EncryptedData: []byte("access-cookie"),
			},
		})

	case `"` + serversync.Action("GetConfigData") + `"`:
		f.reply(w, serversync.GetConfigDataResponse{
			Config: serversync.ServerSyncConfigData{
				ProtocolVersion:              "1.7",
				MaxNumberOfUpdatesPerRequest: f.maxBatch,
			},
		})

	case `"` + serversync.Action("GetRevisionIdList") + `"`:
		var req serversync.GetRevisionIDListRequest
		require.NoError(f.t, serversync.DecodeEnvelope(body, &req))

		resp := serversync.GetRevisionIDListResponse{}
		resp.Result.Anchor = "anchor-1"
		for id := range f.updates {
			resp.Result.NewRevisions = append(resp.Result.NewRevisions, id)
		}

		f.reply(w, resp)

	case `"` + serversync.Action("GetUpdateData") + `"`:
		var req serversync.GetUpdateDataRequest
		require.NoError(f.t, serversync.DecodeEnvelope(body, &req))

		f.mu.Lock()
		f.batches = append(f.batches, req.UpdateIDs)
		f.mu.Unlock()

		resp := serversync.GetUpdateDataResponse{}
		resp.Result.FileURLs = f.urls

		for _, id := range req.UpdateIDs {
			blob, ok := f.updates[id]
			if !ok {
				f.fault(w, fmt.Sprintf("Revision %d is not deployed", id.RevisionNumber))
				return
			}

			resp.Result.Updates = append(resp.Result.Updates, serversync.ServerSyncUpdateData{
				ID:            id,
				XMLUpdateBlob: string(blob),
			})
		}

		f.reply(w, resp)

	default:
		f.fault(w, "Unknown action "+action)
	}
}

func (f *fakeUpstream) reply(w http.ResponseWriter, body any) {
	data, err := serversync.EncodeEnvelope(body)
	require.NoError(f.t, err)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(data)
}

func (f *fakeUpstream) fault(w http.ResponseWriter, reason string) {
	data, err := serversync.EncodeFault(serversync.Fault{Code: "soap:Client", Reason: reason})
	require.NoError(f.t, err)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(data)
}

func TestClientConfigData(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	server := upstream.start()

	client := serversync.NewClient(server.URL, nil)

	config, err := client.ConfigData(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(200), config.MaxNumberOfUpdatesPerRequest)

	// The cached access cookie outlives further calls.
	_, _, err = client.RevisionIDList(context.Background(), serversync.ServerSyncFilter{GetConfig: true})
	require.NoError(t, err)
	require.Equal(t, int32(1), upstream.authCalls.Load())
}

func TestClientUpdateData(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	upstream.maxBatch = 2

	digest := sha1.Sum([]byte("payload"))
	digestB64 := base64.StdEncoding.EncodeToString(digest[:])

	builders := []*testutils.UpdateXML{
		testutils.NewSoftwareXML("Update One").
			WithFile(testutils.FileSpec{Name: "one.exe", Size: 7, Digest: digestB64}),
		testutils.NewSoftwareXML("Update Two"),
		testutils.NewSoftwareXML("Update Three"),
	}

	var ids []serversync.UpdateIdentity

	for _, builder := range builders {
		id := serversync.UpdateIdentity{UpdateID: builder.UpdateID(), RevisionNumber: builder.Revision()}
		upstream.updates[id] = builder.Build()
		ids = append(ids, id)
	}

	upstream.urls = []serversync.ServerSyncURLData{{
		FileDigest: digest[:],
		MUURL:      "http://download.example.test/one.exe",
	}}

	server := upstream.start()
	client := serversync.NewClient(server.URL, nil)

	pkgs, err := client.UpdateData(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, pkgs, 3)

	// The batch ceiling splits three ids into 2+1.
	upstream.mu.Lock()
	batchSizes := make([]int, 0, len(upstream.batches))
	for _, batch := range upstream.batches {
		batchSizes = append(batchSizes, len(batch))
	}
	upstream.mu.Unlock()
	require.Equal(t, []int{2, 1}, batchSizes)

	// The URL table joins onto parsed files.
	files, err := pkgs[0].Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "http://download.example.test/one.exe", files[0].Source.MUURL)
}

func TestClientProbeExpired(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)

	// Revision 105 is the only one still served; the hint overshoots it.
	builder := testutils.NewSoftwareXML("Expired Update").WithIdentity(uuid.New(), 105)
	id := serversync.UpdateIdentity{UpdateID: builder.UpdateID(), RevisionNumber: 105}
	upstream.updates[id] = builder.Build()

	server := upstream.start()
	client := serversync.NewClient(server.URL, nil)

	pkg, err := client.ProbeExpired(context.Background(), builder.UpdateID(), 117, 5)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	require.Equal(t, metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, builder.UpdateID(), 105), pkg.ID())

	// Probed revisions walk downward from the hint to the window floor.
	upstream.mu.Lock()
	probed := make([]int32, 0, len(upstream.batches))
	for _, batch := range upstream.batches {
		require.Len(t, batch, 1)
		probed = append(probed, batch[0].RevisionNumber)
	}
	upstream.mu.Unlock()
	require.Equal(t, []int32{117, 116, 115, 114, 113, 112, 111, 110, 109, 108, 107, 106, 105}, probed)
}

func TestClientProbeExhausted(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	server := upstream.start()

	client := serversync.NewClient(server.URL, nil)

	// No revision in the window resolves; the probe gives up cleanly.
	pkg, err := client.ProbeExpired(context.Background(), uuid.New(), 103, 1)
	require.NoError(t, err)
	require.Nil(t, pkg)
}

package server

import (
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/serversync"
)

// cookieLifetime is the validity of access cookies this server hands out.
const cookieLifetime = 5 * 24 * time.Hour

// handleServerSync dispatches ServerSync methods by SOAPAction. Methods the
// mirror does not implement fault.
func (s *Server) handleServerSync(w http.ResponseWriter, r *http.Request) {
	body, action, ok := s.readSOAP(w, r)
	if !ok {
		return
	}

	switch action {
	case serversync.Action("GetAuthConfig"):
		s.getAuthConfig(w)
	case serversync.Action("GetCookie"):
		s.getCookie(w)
	case serversync.Action("GetConfigData"):
		s.getConfigData(w)
	case serversync.Action("GetRevisionIdList"):
		s.getRevisionIDList(w, body)
	case serversync.Action("GetUpdateData"):
		s.getUpdateData(w, body)
	default:
		s.fault(w, "soap:Server", "Not implemented: "+action)
	}
}

// handleDssAuth dispatches DssAuth methods by SOAPAction.
func (s *Server) handleDssAuth(w http.ResponseWriter, r *http.Request) {
	_, action, ok := s.readSOAP(w, r)
	if !ok {
		return
	}

	if action != serversync.DssAction("GetAuthorizationCookie") {
		s.fault(w, "soap:Server", "Not implemented: "+action)
		return
	}

	// Authorization is a formality: every caller gets a stub cookie.
	s.reply(w, serversync.GetAuthorizationCookieResponse{
		Result: serversync.AuthorizationCookie{
			PlugInID:   serversync.DssTargetingPlugInID,
			CookieData: []byte("wsussync"),
		},
	})
}

// readSOAP validates the transport and returns the request body and the
// unquoted SOAPAction.
func (s *Server) readSOAP(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return nil, "", false
	}

	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)

	return body, action, true
}

func (s *Server) getAuthConfig(w http.ResponseWriter) {
	var resp serversync.GetAuthConfigResponse

	resp.Result.AuthInfo = []serversync.AuthPlugInInfo{{
		PlugInID:   serversync.DssTargetingPlugInID,
		ServiceURL: strings.TrimPrefix(serversync.DssAuthPath, "/"),
	}}

	s.reply(w, resp)
}

func (s *Server) getCookie(w http.ResponseWriter) {
	s.reply(w, serversync.GetCookieResponse{
		Cookie: serversync.Cookie{
			Expiration:    time.Now().Add(cookieLifetime).UTC(),
			EncryptedData: []byte("wsussync"),
		},
	})
}

func (s *Server) getConfigData(w http.ResponseWriter) {
	s.mu.RLock()
	config := s.config
	s.mu.RUnlock()

	s.reply(w, serversync.GetConfigDataResponse{Config: config})
}

func (s *Server) getRevisionIDList(w http.ResponseWriter, body []byte) {
	var req serversync.GetRevisionIDListRequest

	err := serversync.DecodeEnvelope(body, &req)
	if err != nil || req.Filter == nil {
		s.fault(w, "soap:Client", "Invalid GetRevisionIdList request")
		return
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state == nil {
		s.fault(w, "soap:Server", "No package store configured")
		return
	}

	var resp serversync.GetRevisionIDListResponse

	if req.Filter.GetConfig {
		// Category queries anchor at the current time; update queries
		// echo the empty anchor like the reference servers do.
		resp.Result.Anchor = time.Now().UTC().Format(time.RFC3339)
		resp.Result.NewRevisions = state.categories
	} else {
		resp.Result.NewRevisions = state.revisionsFor(req.Filter.Categories, req.Filter.Classifications)
	}

	s.reply(w, resp)
}

func (s *Server) getUpdateData(w http.ResponseWriter, body []byte) {
	var req serversync.GetUpdateDataRequest

	err := serversync.DecodeEnvelope(body, &req)
	if err != nil {
		s.fault(w, "soap:Client", "Invalid GetUpdateData request")
		return
	}

	s.mu.RLock()
	state := s.state
	config := s.config
	cs := s.content
	s.mu.RUnlock()

	if state == nil {
		s.fault(w, "soap:Server", "No package store configured")
		return
	}

	// Oversized requests get a null body rather than a fault, mirroring
	// the legacy service.
	if config.MaxNumberOfUpdatesPerRequest > 0 && int64(len(req.UpdateIDs)) > config.MaxNumberOfUpdatesPerRequest {
		s.reply(w, struct {
			XMLName xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetUpdateDataResponse"`
		}{})

		return
	}

	var resp serversync.GetUpdateDataResponse

	urls := map[string]serversync.ServerSyncURLData{}

	var urlOrder []string

	for _, wire := range req.UpdateIDs {
		id := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, wire.UpdateID, wire.RevisionNumber)

		pkgIndex, err := state.store.IndexOf(id)
		if err != nil {
			s.fault(w, "soap:Client", "Unknown update "+id.String())
			return
		}

		reader, err := state.store.PackageMetadata(pkgIndex)
		if err != nil {
			s.fault(w, "soap:Server", "Failed to load metadata for "+id.String())
			return
		}

		blob, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			s.fault(w, "soap:Server", "Failed to read metadata for "+id.String())
			return
		}

		resp.Result.Updates = append(resp.Result.Updates, serversync.ServerSyncUpdateData{
			ID:            wire,
			XMLUpdateBlob: string(blob),
		})

		files, err := state.store.PackageFiles(pkgIndex)
		if err != nil {
			s.fault(w, "soap:Server", "Failed to load files for "+id.String())
			return
		}

		// The URL table is batch-global and deduplicated by MU URL.
		for _, file := range files {
			if file.Source.MUURL == "" {
				continue
			}

			_, ok := urls[file.Source.MUURL]
			if ok {
				continue
			}

			row, err := urlRow(cs, file)
			if err != nil {
				s.logger.WithError(err).Warnf("Skipping URL row for %q", file.FileName)
				continue
			}

			urls[file.Source.MUURL] = row
			urlOrder = append(urlOrder, file.Source.MUURL)
		}
	}

	for _, muURL := range urlOrder {
		resp.Result.FileURLs = append(resp.Result.FileURLs, urls[muURL])
	}

	s.reply(w, resp)
}

// urlRow builds one URL table row, pointing the USS URL at the local content
// handler when a content store is mounted.
func urlRow(cs *content.Store, file metadata.ContentFile) (serversync.ServerSyncURLData, error) {
	primary, ok := file.PrimaryDigest()
	if !ok {
		return serversync.ServerSyncURLData{}, content.ErrUnsupportedDigest
	}

	digest, err := primary.Bytes()
	if err != nil {
		return serversync.ServerSyncURLData{}, err
	}

	row := serversync.ServerSyncURLData{
		FileDigest: digest,
		MUURL:      file.Source.MUURL,
	}

	if cs != nil {
		ussURL, err := content.URLPath(&file)
		if err != nil {
			return serversync.ServerSyncURLData{}, err
		}

		row.USSURL = ussURL
	}

	return row, nil
}

// reply writes a SOAP response envelope.
func (s *Server) reply(w http.ResponseWriter, body any) {
	data, err := serversync.EncodeEnvelope(body)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode SOAP response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(data)
}

// fault writes a SOAP fault envelope with status 500.
func (s *Server) fault(w http.ResponseWriter, code string, reason string) {
	data, err := serversync.EncodeFault(serversync.Fault{Code: code, Reason: reason})
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(data)
}

// Package serversync speaks the MS-WSUSSS server-to-server sync protocol:
// the SOAP 1.1 envelope codec, the wire types of the ServerSync and DssAuth
// web services and the upstream client built on them.
package serversync

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SOAP namespaces and mount paths of the two web services.
const (
	NamespaceServerSync = "http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService"
	NamespaceDssAuth    = "http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService"

	ServerSyncPath = "/ServerSyncWebService/ServerSyncWebService.asmx"
	DssAuthPath    = "/DssAuthWebService/DssAuthWebService.asmx"
)

// Base64Binary is an xsd:base64Binary element value: raw bytes carried as
// base64 text on the wire. encoding/xml has no codec for []byte, so the
// conversion happens here.
type Base64Binary []byte

// MarshalXML implements xml.Marshaler.
func (b Base64Binary) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(base64.StdEncoding.EncodeToString(b), start)
}

// UnmarshalXML implements xml.Unmarshaler.
func (b *Base64Binary) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var text string

	err := d.DecodeElement(&text, &start)
	if err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("Invalid base64 in element %q: %w", start.Name.Local, err)
	}

	*b = data

	return nil
}

// AuthPlugInInfo describes one authentication plugin offered by an upstream
// server.
type AuthPlugInInfo struct {
	PlugInID   string `xml:"PlugInID" json:"PlugInID"`
	ServiceURL string `xml:"ServiceUrl" json:"ServiceUrl"`
	Parameter  string `xml:"Parameter,omitempty" json:"Parameter,omitempty"`
}

// DssTargetingPlugInID is the plugin every known upstream offers and the one
// this client authenticates with.
const DssTargetingPlugInID = "DssTargeting"

// AuthorizationCookie is the opaque cookie issued by an authentication
// plugin.
type AuthorizationCookie struct {
	PlugInID   string       `xml:"PlugInId"`
	CookieData Base64Binary `xml:"CookieData"`
}

// Cookie is the access cookie gating every ServerSync method.
type Cookie struct {
	Expiration    time.Time    `xml:"Expiration"`
	EncryptedData Base64Binary `xml:"EncryptedData"`
}

// ServerSyncConfigData carries the upstream server's sync limits.
type ServerSyncConfigData struct {
	ProtocolVersion              string `xml:"ProtocolVersion,omitempty" json:"ProtocolVersion,omitempty"`
	NewConfigAnchor              string `xml:"NewConfigAnchor,omitempty" json:"NewConfigAnchor,omitempty"`
	MaxNumberOfUpdatesPerRequest int64  `xml:"MaxNumberOfUpdatesPerRequest" json:"MaxNumberOfUpdatesPerRequest"`
	CatalogOnlySync              bool   `xml:"CatalogOnlySync" json:"CatalogOnlySync"`
}

// IdAndDelta scopes a revision id query to one category id.
type IdAndDelta struct {
	ID    uuid.UUID `xml:"Id"`
	Delta bool      `xml:"Delta"`
}

// ServerSyncFilter selects which revision ids GetRevisionIdList returns:
// categories when GetConfig is set, otherwise updates under the given
// product and classification scopes.
type ServerSyncFilter struct {
	AnchorValue     string       `xml:"AnchorValue,omitempty"`
	GetConfig       bool         `xml:"GetConfig"`
	Categories      []IdAndDelta `xml:"Categories>IdAndDelta,omitempty"`
	Classifications []IdAndDelta `xml:"Classifications>IdAndDelta,omitempty"`
}

// UpdateIdentity is the wire form of one update revision.
type UpdateIdentity struct {
	UpdateID       uuid.UUID `xml:"UpdateId"`
	RevisionNumber int32     `xml:"RevisionNumber"`
}

// RevisionIDList is the GetRevisionIdList result: the new revisions plus the
// anchor to resume from.
type RevisionIDList struct {
	Anchor       string           `xml:"Anchor,omitempty"`
	NewRevisions []UpdateIdentity `xml:"NewRevisions>UpdateIdentity,omitempty"`
}

// ServerSyncUpdateData is one update's metadata in a GetUpdateData result.
// Exactly one of the blob fields is set: plain XML text or a cabinet
// compressed blob.
type ServerSyncUpdateData struct {
	ID                      UpdateIdentity `xml:"Id"`
	XMLUpdateBlob           string         `xml:"XmlUpdateBlob,omitempty"`
	XMLUpdateBlobCompressed Base64Binary   `xml:"XmlUpdateBlobCompressed,omitempty"`
}

// ServerSyncURLData is one row of the batch-global file URL table, keyed by
// the file's primary digest.
type ServerSyncURLData struct {
	FileDigest Base64Binary `xml:"FileDigest"`
	MUURL      string       `xml:"MUUrl"`
	USSURL     string       `xml:"UssUrl,omitempty"`
}

// ServerUpdateData is the GetUpdateData result.
type ServerUpdateData struct {
	Updates  []ServerSyncUpdateData `xml:"updates>ServerSyncUpdateData,omitempty"`
	FileURLs []ServerSyncURLData    `xml:"fileUrls>ServerSyncUrlData,omitempty"`
}

// Request and response envelopes of the ServerSync service. The downstream
// server unmarshals the requests and marshals the responses, so both shapes
// live here.

// GetAuthConfigRequest is the GetAuthConfig call body.
type GetAuthConfigRequest struct {
	XMLName xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetAuthConfig"`
}

// GetAuthConfigResponse is the GetAuthConfig result body.
type GetAuthConfigResponse struct {
	XMLName xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetAuthConfigResponse"`
	Result  struct {
		AuthInfo []AuthPlugInInfo `xml:"AuthInfo>AuthPlugInInfo,omitempty"`
	} `xml:"GetAuthConfigResult"`
}

// GetAuthorizationCookieRequest is the DssAuth GetAuthorizationCookie call
// body.
type GetAuthorizationCookieRequest struct {
	XMLName     xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService GetAuthorizationCookie"`
	AccountName string   `xml:"accountName"`
	AccountGUID string   `xml:"accountGuid"`
}

// GetAuthorizationCookieResponse is the DssAuth GetAuthorizationCookie
// result body.
type GetAuthorizationCookieResponse struct {
	XMLName xml.Name            `xml:"http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService GetAuthorizationCookieResponse"`
	Result  AuthorizationCookie `xml:"GetAuthorizationCookieResult"`
}

// GetCookieRequest is the GetCookie call body.
type GetCookieRequest struct {
	XMLName         xml.Name              `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetCookie"`
	AuthCookies     []AuthorizationCookie `xml:"authCookies>AuthorizationCookie,omitempty"`
	OldCookie       *Cookie               `xml:"oldCookie,omitempty"`
	ProtocolVersion string                `xml:"protocolVersion,omitempty"`
}

// GetCookieResponse is the GetCookie result body.
type GetCookieResponse struct {
	XMLName xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetCookieResponse"`
	Cookie  Cookie   `xml:"GetCookieResult"`
}

// GetConfigDataRequest is the GetConfigData call body.
type GetConfigDataRequest struct {
	XMLName      xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetConfigData"`
	Cookie       *Cookie  `xml:"cookie,omitempty"`
	ConfigAnchor string   `xml:"configAnchor,omitempty"`
}

// GetConfigDataResponse is the GetConfigData result body.
type GetConfigDataResponse struct {
	XMLName xml.Name             `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetConfigDataResponse"`
	Config  ServerSyncConfigData `xml:"GetConfigDataResult"`
}

// GetRevisionIDListRequest is the GetRevisionIdList call body.
type GetRevisionIDListRequest struct {
	XMLName xml.Name          `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetRevisionIdList"`
	Cookie  *Cookie           `xml:"cookie,omitempty"`
	Filter  *ServerSyncFilter `xml:"filter,omitempty"`
}

// GetRevisionIDListResponse is the GetRevisionIdList result body.
type GetRevisionIDListResponse struct {
	XMLName xml.Name       `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetRevisionIdListResponse"`
	Result  RevisionIDList `xml:"GetRevisionIdListResult"`
}

// GetUpdateDataRequest is the GetUpdateData call body.
type GetUpdateDataRequest struct {
	XMLName   xml.Name         `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetUpdateData"`
	Cookie    *Cookie          `xml:"cookie,omitempty"`
	UpdateIDs []UpdateIdentity `xml:"updateIds>UpdateIdentity,omitempty"`
}

// GetUpdateDataResponse is the GetUpdateData result body.
type GetUpdateDataResponse struct {
	XMLName xml.Name         `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetUpdateDataResponse"`
	Result  ServerUpdateData `xml:"GetUpdateDataResult"`
}

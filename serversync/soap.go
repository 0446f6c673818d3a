package serversync

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// soapEnvelopeNS is the SOAP 1.1 envelope namespace.
const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// Action returns the SOAPAction header value of a ServerSync method.
func Action(method string) string {
	return NamespaceServerSync + "/" + method
}

// DssAction returns the SOAPAction header value of a DssAuth method.
func DssAction(method string) string {
	return NamespaceDssAuth + "/" + method
}

// Fault is a SOAP fault returned in place of a method result.
type Fault struct {
	Code   string `xml:"faultcode"`
	Reason string `xml:"faultstring"`
	Detail string `xml:"detail,omitempty"`
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("SOAP fault %s: %s", f.Code, f.Reason)
}

// outEnvelope is the marshal shape of an envelope. The body is pre-rendered
// so one shape serves every method.
type outEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	NS      string   `xml:"xmlns:soap,attr"`
	Body    outBody  `xml:"soap:Body"`
}

type outBody struct {
	Inner []byte `xml:",innerxml"`
}

// inEnvelope is the unmarshal shape of an envelope. Matching by local name
// keeps it agnostic to the sender's namespace prefix.
type inEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// EncodeEnvelope wraps a request or response body into a SOAP 1.1 envelope.
func EncodeEnvelope(body any) ([]byte, error) {
	inner, err := xml.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode SOAP body: %w", err)
	}

	data, err := xml.Marshal(outEnvelope{NS: soapEnvelopeNS, Body: outBody{Inner: inner}})
	if err != nil {
		return nil, fmt.Errorf("Failed to encode SOAP envelope: %w", err)
	}

	return append([]byte(xml.Header), data...), nil
}

// EncodeFault wraps a SOAP fault into an envelope.
func EncodeFault(fault Fault) ([]byte, error) {
	type soapFault struct {
		XMLName xml.Name `xml:"soap:Fault"`
		Fault
	}

	return EncodeEnvelope(soapFault{Fault: fault})
}

// DecodeEnvelope extracts the single body element of an envelope into out. A
// fault body decodes into a *Fault error instead.
func DecodeEnvelope(data []byte, out any) error {
	var env inEnvelope

	err := xml.Unmarshal(data, &env)
	if err != nil {
		return fmt.Errorf("Failed to decode SOAP envelope: %w", err)
	}

	decoder := xml.NewDecoder(bytes.NewReader(env.Body.Inner))

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return fmt.Errorf("SOAP body is empty")
		}

		if err != nil {
			return fmt.Errorf("Failed to decode SOAP body: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		if start.Name.Local == "Fault" {
			var fault Fault

			err = decoder.DecodeElement(&fault, &start)
			if err != nil {
				return fmt.Errorf("Failed to decode SOAP fault: %w", err)
			}

			return &fault
		}

		err = decoder.DecodeElement(out, &start)
		if err != nil {
			return fmt.Errorf("Failed to decode SOAP body: %w", err)
		}

		return nil
	}
}

// Call performs one SOAP request and decodes the response body into out.
// Faults are returned as *Fault errors.
func Call(ctx context.Context, client *http.Client, url string, action string, body any, out any) error {
	data, err := EncodeEnvelope(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("Failed to create SOAP request: %w", err)
	}

	req.Header.Set("Content-Type", `text/xml; charset=utf-8`)
	req.Header.Set("SOAPAction", `"`+action+`"`)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to call %q: %w", action, err)
	}

	defer resp.Body.Close()

	// Faults arrive with status 500 and still carry an envelope.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("Unexpected status %q calling %q", resp.Status, action)
	}

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Failed to read SOAP response: %w", err)
	}

	return DecodeEnvelope(respData, out)
}

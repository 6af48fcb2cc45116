// Package cwmp implements the SOAP 1.1 / CWMP 1.0 envelope codec: parsing
// inbound CPE requests and emitting the outbound RPCs the ACS supports.
package cwmp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when the inbound body isn't valid XML,
// has no SOAP Body, or the Body's method element can't be identified.
var ErrMalformedEnvelope = errors.New("cwmp: malformed SOAP envelope")

// ErrMalformedInform is returned when an Inform's DeviceId is missing one
// of its three identity components.
var ErrMalformedInform = errors.New("cwmp: malformed Inform: incomplete DeviceId")

const (
	nsSOAP = "http://schemas.xmlsoap.org/soap/envelope/"
	nsCWMP = "urn:dslforum-org:cwmp-1-0"
	nsXSI  = "http://www.w3.org/2001/XMLSchema-instance"
	nsXSD  = "http://www.w3.org/2001/XMLSchema"
)

// Envelope is a decoded inbound SOAP envelope. Method carries the CWMP
// method's local element name (e.g. "Inform", "Fault" carried inside a
// response body) with any namespace prefix already stripped by the XML
// decoder; InnerXML carries that element's raw bytes for method-specific
// parsing.
type Envelope struct {
	HeaderID string
	Method   string
	InnerXML []byte
}

type envelopeXML struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  *struct {
		ID string `xml:"ID"`
	} `xml:"Header"`
	Body struct {
		InnerXML []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// Decode parses a raw inbound SOAP envelope. It requires a well-formed
// envelope with a non-empty Body; the first element in the Body is taken
// as the method and any further elements are ignored. Anything else fails
// with ErrMalformedEnvelope.
func Decode(data []byte) (*Envelope, error) {
	var raw envelopeXML
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	method, err := firstElementName(raw.Body.InnerXML)
	if err != nil {
		return nil, fmt.Errorf("%w: empty or unparseable SOAP Body: %v", ErrMalformedEnvelope, err)
	}

	env := &Envelope{
		Method:   method,
		InnerXML: raw.Body.InnerXML,
	}
	if raw.Header != nil {
		env.HeaderID = raw.Header.ID
	}
	return env, nil
}

// firstElementName returns the local name of the first start element in
// data, with any namespace prefix stripped.
func firstElementName(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// outEnvelope is the generic shape of every outbound envelope this ACS
// emits: literal "soap:"/"cwmp:" prefixed names, matching how the CWMP
// wire format is conventionally hand-assembled in this codebase's
// ancestry rather than resolved through true XML namespace support.
type outEnvelope struct {
	XMLName   xml.Name   `xml:"soap:Envelope"`
	XMLNSSoap string     `xml:"xmlns:soap,attr"`
	XMLNSCwmp string     `xml:"xmlns:cwmp,attr"`
	XMLNSXsi  string     `xml:"xmlns:xsi,attr,omitempty"`
	XMLNSXsd  string     `xml:"xmlns:xsd,attr,omitempty"`
	Header    *outHeader `xml:"soap:Header,omitempty"`
	Body      outBody    `xml:"soap:Body"`
}

// outBody wraps the method element so that it is always emitted inside
// soap:Body; a nil Content yields an empty Body.
type outBody struct {
	Content interface{}
}

type outHeader struct {
	ID cwmpID `xml:"cwmp:ID"`
}

type cwmpID struct {
	MustUnderstand string `xml:"soap:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

func marshalEnvelope(header *outHeader, body interface{}, withTypeNS bool) ([]byte, error) {
	// An empty struct stands for the empty-body envelope.
	if _, isEmpty := body.(struct{}); isEmpty {
		body = nil
	}
	env := outEnvelope{
		XMLNSSoap: nsSOAP,
		XMLNSCwmp: nsCWMP,
		Header:    header,
		Body:      outBody{Content: body},
	}
	if withTypeNS {
		env.XMLNSXsi = nsXSI
		env.XMLNSXsd = nsXSD
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func newHeader(id string) *outHeader {
	return &outHeader{ID: cwmpID{MustUnderstand: "1", Value: id}}
}

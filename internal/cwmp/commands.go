package cwmp

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tr069acs/internal/models"
)

// EncodeInformResponse builds the InformResponse the ACS sends back after
// accepting an Inform. It carries no SOAP Header.
func EncodeInformResponse() ([]byte, error) {
	body := struct {
		XMLName      xml.Name `xml:"cwmp:InformResponse"`
		MaxEnvelopes int      `xml:"MaxEnvelopes"`
	}{MaxEnvelopes: 1}
	return marshalEnvelope(nil, body, false)
}

// EncodeEmpty builds the empty-body envelope the engine returns after a
// CPE response or fault, for unrecognized methods, and with HTTP 400 for
// malformed requests.
func EncodeEmpty() ([]byte, error) {
	return marshalEnvelope(nil, struct{}{}, false)
}

type stringArray struct {
	ArrayType string   `xml:"soap:arrayType,attr"`
	Items     []string `xml:"string"`
}

// EncodeGetParameterValues builds a GetParameterValues request carrying
// the given parameter names, with a fresh CWMP header ID.
func EncodeGetParameterValues(names []string) ([]byte, error) {
	body := struct {
		XMLName        xml.Name    `xml:"cwmp:GetParameterValues"`
		ParameterNames stringArray `xml:"ParameterNames"`
	}{
		ParameterNames: stringArray{
			ArrayType: fmt.Sprintf("xsd:string[%d]", len(names)),
			Items:     names,
		},
	}
	return marshalEnvelope(newHeader(uuid.NewString()), body, true)
}

type paramValueStructOut struct {
	Name  string `xml:"Name"`
	Value struct {
		Type  string `xml:"xsi:type,attr"`
		Value string `xml:",chardata"`
	} `xml:"Value"`
}

type paramValueListOut struct {
	ArrayType string                 `xml:"soap:arrayType,attr"`
	Items     []paramValueStructOut `xml:"ParameterValueStruct"`
}

// EncodeSetParameterValues builds a SetParameterValues request. Every
// Value is tagged xsi:type="xsd:string" and ParameterKey is always empty.
func EncodeSetParameterValues(values []models.ParamKV) ([]byte, error) {
	items := make([]paramValueStructOut, len(values))
	for i, kv := range values {
		items[i].Name = kv.Name
		items[i].Value.Type = "xsd:string"
		items[i].Value.Value = kv.Value
	}

	body := struct {
		XMLName      xml.Name          `xml:"cwmp:SetParameterValues"`
		ParameterList paramValueListOut `xml:"ParameterList"`
		ParameterKey  string            `xml:"ParameterKey"`
	}{
		ParameterList: paramValueListOut{
			ArrayType: fmt.Sprintf("cwmp:ParameterValueStruct[%d]", len(values)),
			Items:     items,
		},
		ParameterKey: "",
	}
	return marshalEnvelope(newHeader(uuid.NewString()), body, true)
}

// EncodeReboot builds a Reboot request. CommandKey is "reboot_" followed
// by the decimal UTC epoch seconds at encode time.
func EncodeReboot(now time.Time) ([]byte, error) {
	body := struct {
		XMLName    xml.Name `xml:"cwmp:Reboot"`
		CommandKey string   `xml:"CommandKey"`
	}{CommandKey: "reboot_" + strconv.FormatInt(now.Unix(), 10)}
	return marshalEnvelope(newHeader(uuid.NewString()), body, false)
}

// EncodeFactoryReset builds a FactoryReset request.
func EncodeFactoryReset() ([]byte, error) {
	body := struct {
		XMLName xml.Name `xml:"cwmp:FactoryReset"`
	}{}
	return marshalEnvelope(newHeader(uuid.NewString()), body, false)
}

// EncodeTransferCompleteResponse acknowledges a TransferComplete RPC.
func EncodeTransferCompleteResponse() ([]byte, error) {
	body := struct {
		XMLName xml.Name `xml:"cwmp:TransferCompleteResponse"`
	}{}
	return marshalEnvelope(nil, body, false)
}

// ============== Response parsing ==============

type getParameterValuesResponseXML struct {
	XMLName       xml.Name `xml:"GetParameterValuesResponse"`
	ParameterList struct {
		ParameterValueStruct []struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		} `xml:"ParameterValueStruct"`
	} `xml:"ParameterList"`
}

// ParseGetParameterValuesResponse decodes the returned ParameterValueStruct
// list into ordered name/value pairs for upsert into the parameter store.
func ParseGetParameterValuesResponse(innerXML []byte) ([]models.ParamKV, error) {
	var raw getParameterValuesResponseXML
	if err := xml.Unmarshal(innerXML, &raw); err != nil {
		return nil, err
	}
	values := make([]models.ParamKV, 0, len(raw.ParameterList.ParameterValueStruct))
	for _, p := range raw.ParameterList.ParameterValueStruct {
		values = append(values, models.ParamKV{Name: p.Name, Value: p.Value})
	}
	return values, nil
}

type setParameterValuesResponseXML struct {
	XMLName xml.Name `xml:"SetParameterValuesResponse"`
	Status  int      `xml:"Status"`
}

// ParseSetParameterValuesResponse decodes the Status field (0 = applied
// immediately, 1 = will apply after reboot).
func ParseSetParameterValuesResponse(innerXML []byte) (int, error) {
	var raw setParameterValuesResponseXML
	if err := xml.Unmarshal(innerXML, &raw); err != nil {
		return 0, err
	}
	return raw.Status, nil
}

// Fault is a CWMP SOAP Fault carried in a response body.
type Fault struct {
	FaultCode   string
	FaultString string
}

type faultXML struct {
	XMLName xml.Name `xml:"Fault"`
	Detail  struct {
		Fault struct {
			FaultCode   string `xml:"FaultCode"`
			FaultString string `xml:"FaultString"`
		} `xml:"Fault"`
	} `xml:"detail"`
}

// ParseFault decodes a SOAP Fault from a response body's InnerXML.
func ParseFault(innerXML []byte) (*Fault, error) {
	var raw faultXML
	if err := xml.Unmarshal(innerXML, &raw); err != nil {
		return nil, err
	}
	return &Fault{
		FaultCode:   raw.Detail.Fault.FaultCode,
		FaultString: raw.Detail.Fault.FaultString,
	}, nil
}

package cwmp

import "encoding/xml"

// DeviceIdentity is the CWMP DeviceId carried by every Inform.
type DeviceIdentity struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
}

// ParamValue is a single ParameterValueStruct, kept in the document order
// it appeared in.
type ParamValue struct {
	Name  string
	Value string
}

// Inform is the parsed payload of a CWMP Inform RPC.
type Inform struct {
	DeviceID   DeviceIdentity
	EventCodes []string
	Parameters []ParamValue
}

type informXML struct {
	XMLName  xml.Name `xml:"Inform"`
	DeviceId struct {
		Manufacturer string `xml:"Manufacturer"`
		OUI          string `xml:"OUI"`
		ProductClass string `xml:"ProductClass"`
		SerialNumber string `xml:"SerialNumber"`
	} `xml:"DeviceId"`
	Event struct {
		EventStruct []struct {
			EventCode string `xml:"EventCode"`
		} `xml:"EventStruct"`
	} `xml:"Event"`
	ParameterList struct {
		ParameterValueStruct []struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		} `xml:"ParameterValueStruct"`
	} `xml:"ParameterList"`
}

// ParseInform decodes an Inform method element (the Envelope.InnerXML of
// an Envelope whose Method is "Inform"). It fails with ErrMalformedInform
// if any DeviceId triple component is missing.
func ParseInform(innerXML []byte) (*Inform, error) {
	var raw informXML
	if err := xml.Unmarshal(innerXML, &raw); err != nil {
		return nil, err
	}
	if raw.DeviceId.OUI == "" || raw.DeviceId.ProductClass == "" || raw.DeviceId.SerialNumber == "" {
		return nil, ErrMalformedInform
	}

	inform := &Inform{
		DeviceID: DeviceIdentity{
			Manufacturer: raw.DeviceId.Manufacturer,
			OUI:          raw.DeviceId.OUI,
			ProductClass: raw.DeviceId.ProductClass,
			SerialNumber: raw.DeviceId.SerialNumber,
		},
	}
	for _, e := range raw.Event.EventStruct {
		inform.EventCodes = append(inform.EventCodes, e.EventCode)
	}
	for _, p := range raw.ParameterList.ParameterValueStruct {
		inform.Parameters = append(inform.Parameters, ParamValue{Name: p.Name, Value: p.Value})
	}
	return inform, nil
}

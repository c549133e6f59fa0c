package sefaz

import "github.com/beevik/etree"

// LotResponse is the acknowledgement returned by the lot reception
// service. The receipt number is the token used to poll for the
// batch outcome.
type LotResponse struct {
	ReceiptNumber string
	StatusCode    string
	StatusMessage string
}

// DocumentProtocol is the clearinghouse's per-document ruling attached
// to a processed receipt (the protMDFe payload). Raw holds the
// serialized protMDFe element for stamping and archival.
type DocumentProtocol struct {
	ProtocolNumber string
	DigestValue    string
	StatusCode     string
	StatusMessage  string
	Raw            []byte
}

// ReceiptResponse is the outcome of a receipt query. Protocol is nil
// while the batch is still processing or when the clearinghouse
// omitted the per-document result.
type ReceiptResponse struct {
	ReceiptNumber string
	StatusCode    string
	StatusMessage string
	Protocol      *DocumentProtocol
}

// EventResponse is the outcome of a cancel or close event. Raw holds
// the full retEventoMDFe body, persisted as the event artifact when
// the event is registered.
type EventResponse struct {
	StatusCode     string
	StatusMessage  string
	ProtocolNumber string
	Raw            []byte
}

// findByLocalName returns the first descendant with the given local
// name, ignoring namespace prefixes. SEFAZ responses vary in prefix
// usage across state autorizadores, so matching is by local name only.
func findByLocalName(doc *etree.Document, name string) *etree.Element {
	return doc.FindElement("//*[local-name()='" + name + "']")
}

func childText(parent *etree.Element, name string) string {
	if parent == nil {
		return ""
	}
	el := parent.FindElement(".//*[local-name()='" + name + "']")
	if el == nil {
		return ""
	}
	return el.Text()
}

// parseLotResponse extracts the receipt acknowledgement from a
// retEnviMDFe body.
func parseLotResponse(body []byte) (*LotResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &ProtocolError{Operation: "submit lot", Reason: "response is not well-formed XML"}
	}

	ret := findByLocalName(doc, "retEnviMDFe")
	if ret == nil {
		return nil, &ProtocolError{Operation: "submit lot", Reason: "response carried no retEnviMDFe element"}
	}

	resp := &LotResponse{
		StatusCode:    childText(ret, "cStat"),
		StatusMessage: childText(ret, "xMotivo"),
	}
	if resp.StatusCode == "" {
		return nil, &ProtocolError{Operation: "submit lot", Reason: "response carried no status code"}
	}

	infRec := ret.FindElement(".//*[local-name()='infRec']")
	resp.ReceiptNumber = childText(infRec, "nRec")
	if resp.ReceiptNumber == "" {
		return nil, &ProtocolError{Operation: "submit lot", Reason: "response carried no receipt number; document not submitted"}
	}

	return resp, nil
}

// parseReceiptResponse extracts the batch outcome and, when present,
// the per-document protocol from a retConsReciMDFe body.
func parseReceiptResponse(body []byte) (*ReceiptResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &ProtocolError{Operation: "query receipt", Reason: "response is not well-formed XML"}
	}

	ret := findByLocalName(doc, "retConsReciMDFe")
	if ret == nil {
		return nil, &ProtocolError{Operation: "query receipt", Reason: "response carried no retConsReciMDFe element"}
	}

	resp := &ReceiptResponse{
		ReceiptNumber: childText(ret, "nRec"),
		StatusCode:    childText(ret, "cStat"),
		StatusMessage: childText(ret, "xMotivo"),
	}
	if resp.StatusCode == "" {
		return nil, &ProtocolError{Operation: "query receipt", Reason: "response carried no status code"}
	}

	prot := ret.FindElement(".//*[local-name()='protMDFe']")
	if prot != nil {
		infProt := prot.FindElement(".//*[local-name()='infProt']")
		raw, err := serializeElement(prot)
		if err != nil {
			return nil, &ProtocolError{Operation: "query receipt", Reason: "protMDFe element could not be serialized"}
		}
		resp.Protocol = &DocumentProtocol{
			ProtocolNumber: childText(infProt, "nProt"),
			DigestValue:    childText(infProt, "digVal"),
			StatusCode:     childText(infProt, "cStat"),
			StatusMessage:  childText(infProt, "xMotivo"),
			Raw:            raw,
		}
		if resp.Protocol.StatusCode == "" {
			return nil, &ProtocolError{Operation: "query receipt", Reason: "protMDFe carried no status code"}
		}
	}

	return resp, nil
}

// parseEventResponse extracts the event registration outcome from a
// retEventoMDFe body.
func parseEventResponse(body []byte) (*EventResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &ProtocolError{Operation: "send event", Reason: "response is not well-formed XML"}
	}

	ret := findByLocalName(doc, "retEventoMDFe")
	if ret == nil {
		return nil, &ProtocolError{Operation: "send event", Reason: "response carried no retEventoMDFe element"}
	}

	inf := ret.FindElement(".//*[local-name()='infEvento']")
	resp := &EventResponse{
		StatusCode:     childText(inf, "cStat"),
		StatusMessage:  childText(inf, "xMotivo"),
		ProtocolNumber: childText(inf, "nProt"),
		Raw:            body,
	}
	if resp.StatusCode == "" {
		return nil, &ProtocolError{Operation: "send event", Reason: "response carried no status code"}
	}

	return resp, nil
}

func serializeElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.AddChild(el.Copy())
	return doc.WriteToBytes()
}

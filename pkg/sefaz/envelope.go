package sefaz

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

// XML namespaces fixed by the MDF-e standard.
const (
	nsSOAP      = "http://www.w3.org/2003/05/soap-envelope"
	nsMDFe      = "http://www.portalfiscal.inf.br/mdfe"
	nsWSDLBase  = "http://www.portalfiscal.inf.br/mdfe/wsdl/"
	layoutDFe   = "2006-01-02T15:04:05-07:00"
	descCancel  = "Cancelamento"
	descClose   = "Encerramento"
	versionData = "3.00"
)

// buildSOAPEnvelope wraps a service payload in the SOAP 1.2 envelope
// with the mdfeCabecMsg header the clearinghouse requires.
func buildSOAPEnvelope(svc Service, uf string, payload *etree.Element) ([]byte, error) {
	wsdlNS := nsWSDLBase + string(svc)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:soap12", nsSOAP)

	header := env.CreateElement("soap12:Header")
	cabec := header.CreateElement("mdfeCabecMsg")
	cabec.CreateAttr("xmlns", wsdlNS)
	cabec.CreateElement("cUF").SetText(uf)
	cabec.CreateElement("versaoDados").SetText(versionData)

	body := env.CreateElement("soap12:Body")
	dados := body.CreateElement("mdfeDadosMsg")
	dados.CreateAttr("xmlns", wsdlNS)
	dados.AddChild(payload)

	return doc.WriteToBytes()
}

// buildSubmitLotEnvelope builds the enviMDFe envelope carrying the
// signed manifest and the lot correlation ID.
func buildSubmitLotEnvelope(signed []byte, lotID int64, uf string) ([]byte, error) {
	signedDoc := etree.NewDocument()
	if err := signedDoc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("parsing signed manifest: %w", err)
	}
	root := signedDoc.Root()
	if root == nil {
		return nil, fmt.Errorf("signed manifest has no root element")
	}

	envi := etree.NewElement("enviMDFe")
	envi.CreateAttr("xmlns", nsMDFe)
	envi.CreateAttr("versao", versionData)
	envi.CreateElement("idLote").SetText(strconv.FormatInt(lotID, 10))
	envi.AddChild(root.Copy())

	return buildSOAPEnvelope(ServiceReception, uf, envi)
}

// buildReceiptQueryEnvelope builds the consReciMDFe envelope for a
// receipt number.
func buildReceiptQueryEnvelope(receipt string, env manifest.Environment, uf string) ([]byte, error) {
	cons := etree.NewElement("consReciMDFe")
	cons.CreateAttr("xmlns", nsMDFe)
	cons.CreateAttr("versao", versionData)
	cons.CreateElement("tpAmb").SetText(env.TPAmb())
	cons.CreateElement("nRec").SetText(receipt)

	return buildSOAPEnvelope(ServiceReceiptQuery, uf, cons)
}

// eventParams collects the fields shared by the cancel and close
// events.
type eventParams struct {
	key      manifest.Key
	env      manifest.Environment
	sequence int
	issuedAt time.Time
}

// buildEventDocument builds the eventoMDFe document for signing. The
// detail element is supplied by the caller.
func buildEventDocument(p eventParams, eventType string, detail *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	evento := doc.CreateElement("eventoMDFe")
	evento.CreateAttr("xmlns", nsMDFe)
	evento.CreateAttr("versao", versionData)

	inf := evento.CreateElement("infEvento")
	inf.CreateAttr("Id", fmt.Sprintf("ID%s%s%02d", eventType, p.key, p.sequence))
	inf.CreateElement("cOrgao").SetText(p.key.UF())
	inf.CreateElement("tpAmb").SetText(p.env.TPAmb())
	inf.CreateElement("CNPJ").SetText(p.key.CNPJ())
	inf.CreateElement("chMDFe").SetText(p.key.String())
	inf.CreateElement("dhEvento").SetText(p.issuedAt.Format(layoutDFe))
	inf.CreateElement("tpEvento").SetText(eventType)
	inf.CreateElement("nSeqEvento").SetText(strconv.Itoa(p.sequence))

	det := inf.CreateElement("detEvento")
	det.CreateAttr("versaoEvento", versionData)
	det.AddChild(detail)

	return doc.WriteToBytes()
}

// buildCancelDetail builds the evCancMDFe detail element.
func buildCancelDetail(protocol, reason string) *etree.Element {
	ev := etree.NewElement("evCancMDFe")
	ev.CreateElement("descEvento").SetText(descCancel)
	ev.CreateElement("nProt").SetText(protocol)
	ev.CreateElement("xJust").SetText(reason)
	return ev
}

// buildCloseDetail builds the evEncMDFe detail element with the
// closure jurisdiction and location codes.
func buildCloseDetail(protocol, ufCode, municipalityCode string, closedAt time.Time) *etree.Element {
	ev := etree.NewElement("evEncMDFe")
	ev.CreateElement("descEvento").SetText(descClose)
	ev.CreateElement("nProt").SetText(protocol)
	ev.CreateElement("dtEnc").SetText(closedAt.Format("2006-01-02"))
	ev.CreateElement("cUF").SetText(ufCode)
	ev.CreateElement("cMun").SetText(municipalityCode)
	return ev
}

// buildEventEnvelope wraps a (possibly signed) event document in the
// event reception SOAP envelope.
func buildEventEnvelope(eventXML []byte, uf string) ([]byte, error) {
	eventDoc := etree.NewDocument()
	if err := eventDoc.ReadFromBytes(eventXML); err != nil {
		return nil, fmt.Errorf("parsing event document: %w", err)
	}
	root := eventDoc.Root()
	if root == nil {
		return nil, fmt.Errorf("event document has no root element")
	}
	return buildSOAPEnvelope(ServiceEventReception, uf, root.Copy())
}

package sefaz

import (
	"fmt"

	"github.com/beevik/etree"
)

// StampProtocol combines a signed manifest with its authorization
// protocol into a single mdfeProc document, the legal proof of
// transmission. The signed document's root must be the MDFe element.
func StampProtocol(signed []byte, protocol *DocumentProtocol) ([]byte, error) {
	if protocol == nil || len(protocol.Raw) == 0 {
		return nil, fmt.Errorf("no protocol payload to stamp")
	}

	signedDoc := etree.NewDocument()
	if err := signedDoc.ReadFromBytes(signed); err != nil {
		return nil, fmt.Errorf("parsing signed manifest: %w", err)
	}
	mdfe := signedDoc.Root()
	if mdfe == nil || mdfe.Tag != "MDFe" {
		return nil, fmt.Errorf("signed document root is not MDFe")
	}

	protDoc := etree.NewDocument()
	if err := protDoc.ReadFromBytes(protocol.Raw); err != nil {
		return nil, fmt.Errorf("parsing protocol payload: %w", err)
	}
	prot := protDoc.Root()
	if prot == nil {
		return nil, fmt.Errorf("protocol payload has no root element")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	proc := doc.CreateElement("mdfeProc")
	proc.CreateAttr("xmlns", nsMDFe)
	proc.CreateAttr("versao", versionData)
	proc.AddChild(mdfe.Copy())
	proc.AddChild(prot.Copy())

	return doc.WriteToBytes()
}

package signer

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
)

// Signature algorithm URIs fixed by the MDF-e standard. The national
// schema mandates inclusive C14N with RSA-SHA1 references over the
// element carrying the Id attribute.
const (
	algC14N      = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	algRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	algSHA1      = "http://www.w3.org/2000/09/xmldsig#sha1"
	algEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// XMLDSig signs MDF-e documents and events with an RSA key and an
// X.509 certificate (the issuer's e-CNPJ/e-CPF certificate).
type XMLDSig struct {
	privateKey *rsa.PrivateKey
	cert       *x509.Certificate
}

// NewXMLDSig creates a signer from an already-parsed key pair.
func NewXMLDSig(privateKey *rsa.PrivateKey, cert *x509.Certificate) (*XMLDSig, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if cert == nil {
		return nil, errors.New("certificate is required")
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, errors.New("certificate does not contain an RSA public key")
	}
	return &XMLDSig{privateKey: privateKey, cert: cert}, nil
}

// LoadXMLDSig reads a PEM certificate and PEM private key from disk.
func LoadXMLDSig(certPath, keyPath string) (*XMLDSig, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return NewXMLDSig(key, cert)
}

// Sign appends an enveloped XML-DSig signature to the document. The
// reference target is the first element carrying an Id attribute
// (infMDFe on manifests, infEvento on events).
func (s *XMLDSig) Sign(_ context.Context, docXML []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(docXML); err != nil {
		return nil, &SigningError{Err: fmt.Errorf("parsing document: %w", err)}
	}
	root := doc.Root()
	if root == nil {
		return nil, &SigningError{Err: errors.New("document has no root element")}
	}

	target := root.FindElement("//*[@Id]")
	if target == nil {
		return nil, &SigningError{Err: errors.New("no element with an Id attribute to reference")}
	}
	refID := target.SelectAttrValue("Id", "")

	s.appendSignatureTemplate(target.Parent(), refID)

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, &SigningError{Err: fmt.Errorf("serializing document: %w", err)}
	}

	sxSigner, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, &SigningError{Err: fmt.Errorf("creating signer: %w", err)}
	}
	sxSigner.SetReferenceIDAttribute("Id")

	signed, err := sxSigner.Sign(s.privateKey)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	return []byte(signed), nil
}

// Verify validates the enveloped signature against the signer's
// certificate.
func (s *XMLDSig) Verify(docXML []byte) error {
	validator, err := signedxml.NewValidator(string(docXML))
	if err != nil {
		return fmt.Errorf("creating validator: %w", err)
	}
	validator.Certificates = append(validator.Certificates, *s.cert)
	validator.SetReferenceIDAttribute("Id")
	if _, err := validator.ValidateReferences(); err != nil {
		return fmt.Errorf("signature validation failed: %w", err)
	}
	return nil
}

// appendSignatureTemplate builds the ds:Signature skeleton after the
// referenced element. Digest and signature values are placeholders
// that signedxml fills during Sign.
func (s *XMLDSig) appendSignatureTemplate(parent *etree.Element, refID string) {
	sig := parent.CreateElement("Signature")
	sig.CreateAttr("xmlns", "http://www.w3.org/2000/09/xmldsig#")

	signedInfo := sig.CreateElement("SignedInfo")
	c14n := signedInfo.CreateElement("CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", algC14N)
	sigMethod := signedInfo.CreateElement("SignatureMethod")
	sigMethod.CreateAttr("Algorithm", algRSASHA1)

	ref := signedInfo.CreateElement("Reference")
	ref.CreateAttr("URI", "#"+refID)
	transforms := ref.CreateElement("Transforms")
	enveloped := transforms.CreateElement("Transform")
	enveloped.CreateAttr("Algorithm", algEnveloped)
	c14nTransform := transforms.CreateElement("Transform")
	c14nTransform.CreateAttr("Algorithm", algC14N)
	digestMethod := ref.CreateElement("DigestMethod")
	digestMethod.CreateAttr("Algorithm", algSHA1)
	ref.CreateElement("DigestValue").SetText("placeholder")

	sig.CreateElement("SignatureValue").SetText("placeholder")

	keyInfo := sig.CreateElement("KeyInfo")
	x509Data := keyInfo.CreateElement("X509Data")
	x509Cert := x509Data.CreateElement("X509Certificate")
	x509Cert.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE block found in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing certificate: %w", err)
			}
			return cert, nil
		}
		data = rest
	}
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in key data")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

package sefaz

import (
	"fmt"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

// Service identifies one of the clearinghouse web services.
type Service string

const (
	ServiceReception      Service = "MDFeRecepcao"
	ServiceReceiptQuery   Service = "MDFeRetRecepcao"
	ServiceEventReception Service = "MDFeRecepcaoEvento"
)

// Endpoints maps services to URLs for one environment.
type Endpoints map[Service]string

// EndpointSet holds the per-environment endpoint tables.
type EndpointSet struct {
	Production Endpoints
	Staging    Endpoints
}

// DefaultEndpoints returns the SVRS national-environment URLs used
// when the configuration does not override them.
func DefaultEndpoints() *EndpointSet {
	return &EndpointSet{
		Production: Endpoints{
			ServiceReception:      "https://mdfe.svrs.rs.gov.br/ws/MDFerecepcao/MDFeRecepcao.asmx",
			ServiceReceiptQuery:   "https://mdfe.svrs.rs.gov.br/ws/MDFeRetRecepcao/MDFeRetRecepcao.asmx",
			ServiceEventReception: "https://mdfe.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
		},
		Staging: Endpoints{
			ServiceReception:      "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFerecepcao/MDFeRecepcao.asmx",
			ServiceReceiptQuery:   "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeRetRecepcao/MDFeRetRecepcao.asmx",
			ServiceEventReception: "https://mdfe-homologacao.svrs.rs.gov.br/ws/MDFeRecepcaoEvento/MDFeRecepcaoEvento.asmx",
		},
	}
}

// URL resolves the endpoint for a service in the given environment.
func (s *EndpointSet) URL(env manifest.Environment, svc Service) (string, error) {
	var table Endpoints
	switch env {
	case manifest.Production:
		table = s.Production
	case manifest.Staging:
		table = s.Staging
	default:
		return "", fmt.Errorf("no endpoints for %s", env)
	}
	url, ok := table[svc]
	if !ok || url == "" {
		return "", fmt.Errorf("no %s endpoint configured for %s", svc, env)
	}
	return url, nil
}

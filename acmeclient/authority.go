package acmeclient

import (
	"crypto"
	"net/http"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
)

const userAgent = "cloudfront-acme"

// Authority is the view of an ACME server the client drives.
type Authority interface {
	Register(email string) (accountURL string, err error)
	NewOrder(domains []string) (legoacme.ExtendedOrder, error)
	GetOrder(orderURL string) (legoacme.ExtendedOrder, error)
	GetAuthorization(authzURL string) (legoacme.Authorization, error)
	KeyAuthorization(token string) (string, error)
	AcceptChallenge(challengeURL string) (legoacme.ExtendedChallenge, error)
	Finalize(finalizeURL string, csr []byte) (legoacme.ExtendedOrder, error)
	DownloadCertificate(certURL string) ([]byte, error)
}

// AuthorityFactory connects to the directory at caDirURL with accountKey.
type AuthorityFactory func(caDirURL string, accountKey crypto.PrivateKey) (Authority, error)

// NewLegoAuthority is the AuthorityFactory backed by lego's ACME API.
func NewLegoAuthority(caDirURL string, accountKey crypto.PrivateKey) (Authority, error) {
	core, err := api.New(&http.Client{Timeout: 30 * time.Second}, userAgent, caDirURL, "", accountKey)
	if err != nil {
		return nil, err
	}
	return &legoAuthority{core: core}, nil
}

type legoAuthority struct {
	core *api.Core
}

func (a *legoAuthority) Register(email string) (string, error) {
	account := legoacme.Account{TermsOfServiceAgreed: true}
	if email != "" {
		account.Contact = []string{"mailto:" + email}
	}
	acc, err := a.core.Accounts.New(account)
	if err != nil {
		return "", err
	}
	return acc.Location, nil
}

func (a *legoAuthority) NewOrder(domains []string) (legoacme.ExtendedOrder, error) {
	return a.core.Orders.New(domains)
}

func (a *legoAuthority) GetOrder(orderURL string) (legoacme.ExtendedOrder, error) {
	return a.core.Orders.Get(orderURL)
}

func (a *legoAuthority) GetAuthorization(authzURL string) (legoacme.Authorization, error) {
	return a.core.Authorizations.Get(authzURL)
}

func (a *legoAuthority) KeyAuthorization(token string) (string, error) {
	return a.core.GetKeyAuthorization(token)
}

func (a *legoAuthority) AcceptChallenge(challengeURL string) (legoacme.ExtendedChallenge, error) {
	return a.core.Challenges.New(challengeURL)
}

func (a *legoAuthority) Finalize(finalizeURL string, csr []byte) (legoacme.ExtendedOrder, error) {
	return a.core.Orders.UpdateForCSR(finalizeURL, csr)
}

// DownloadCertificate returns the PEM bundle: leaf first, then the chain.
func (a *legoAuthority) DownloadCertificate(certURL string) ([]byte, error) {
	bundle, _, err := a.core.Certificates.Get(certURL, true)
	return bundle, err
}

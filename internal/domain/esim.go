package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderKind names an upstream eSIM vendor.
type ProviderKind string

const (
	ProviderEsimAccess ProviderKind = "esim_access"
	ProviderAiralo     ProviderKind = "airalo"
)

var knownProviders = map[ProviderKind]bool{
	ProviderEsimAccess: true,
	ProviderAiralo:     true,
}

func ParseProviderKind(raw string) (ProviderKind, bool) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(raw)))
	return kind, knownProviders[kind]
}

// EsimProfile is created once per order when the provider returns installable credentials.
type EsimProfile struct {
	ID             uuid.UUID       `json:"id"`
	OrderID        int64           `json:"order_id,string"`
	ICCID          string          `json:"iccid"`
	ActivationCode string          `json:"activation_code"`
	SMDPAddress    string          `json:"smdp_address"`
	LPAString      string          `json:"lpa_string"`
	QRPayload      string          `json:"qr_payload"`
	TotalDataBytes int64           `json:"total_data_bytes"`
	PIN            string          `json:"pin,omitempty"`
	PUK            string          `json:"puk,omitempty"`
	APN            string          `json:"apn,omitempty"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const lpaPrefix = "LPA:"

// BuildLPA returns the activation string device installers expect.
// A provider-supplied combined string ("LPA:1$smdp$code") is passed through.
func BuildLPA(smdpAddress, activationCode string) string {
	code := strings.TrimSpace(activationCode)
	smdp := strings.TrimSpace(smdpAddress)
	if strings.HasPrefix(strings.ToUpper(code), lpaPrefix) {
		return lpaPrefix + code[len(lpaPrefix):]
	}
	if code == "" {
		return ""
	}
	if smdp == "" {
		if strings.Contains(code, "$") {
			return "LPA:1$" + code
		}
		return ""
	}
	return "LPA:1$" + smdp + "$" + code
}

// QRPayload is the text encoded into the installation QR code.
func QRPayload(lpa string) string {
	return lpa
}

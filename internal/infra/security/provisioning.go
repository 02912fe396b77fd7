package security

import (
	"encoding/base64"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

const qrCodeSize = 256

// Provisioning describes how an authenticator app can import a secret.
type Provisioning struct {
	URI       string
	QRCodePNG string
}

// BuildProvisioning renders the otpauth URI and a PNG data URL for the given raw secret.
func BuildProvisioning(issuer, account string, secret []byte) (Provisioning, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(DefaultAppPeriod.Seconds()),
		Secret:      secret,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Provisioning{}, fmt.Errorf("provisioning: build key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrCodeSize)
	if err != nil {
		return Provisioning{}, fmt.Errorf("provisioning: encode qr: %w", err)
	}

	return Provisioning{
		URI:       key.URL(),
		QRCodePNG: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

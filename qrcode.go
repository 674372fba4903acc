package paygate

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

const qrCodeSize = "300x300"

// GenerateQRCode builds an EIP-681 URI paying amount ETH to vendor on the
// configured chain, and the URL of a rendered QR image for it.
func (c *Client) GenerateQRCode(vendor, amount string) (*types.QRCode, error) {
	addr, err := c.vendorAddress(vendor)
	if err != nil {
		return nil, err
	}
	wei, err := utils.ParseUnits(amount, 18)
	if err != nil {
		return nil, types.NewPaymentError(types.ErrInvalidAmount, types.PhaseGate, err)
	}

	uri := fmt.Sprintf("ethereum:%s@%d?value=%s", addr.Hex(), c.config.Chain.ChainID, wei.String())

	sep := "?"
	if strings.Contains(c.config.QRCodeBaseURL, "?") {
		sep = "&"
	}
	image := c.config.QRCodeBaseURL + sep + "size=" + qrCodeSize + "&data=" + url.QueryEscape(uri)

	return &types.QRCode{URI: uri, ImageURL: image}, nil
}

package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// billScanPrompt is shared by every LLM provider
const billScanPrompt = `You are reading a payment bill, receipt or payment app screenshot (Alipay, WeChat Pay, Huawei Pay, UnionPay, bank card and so on). Read all text in the image first, then extract:

- payment_method: the payment channel, e.g. "alipay", "wechat", "huawei_pay", "unionpay", "cash", "card"
- amount: the amount actually paid as a plain number, e.g. 18.50. Use a negative number for refunds.
- transaction_time: the time of the transaction in the format YYYY-MM-DD HH:MM:SS
- product_type: one category such as dining, shopping, transport, entertainment, medical, education, utilities or other
- merchant: the merchant name, e.g. "Starbucks", "Meituan", "Taobao"
- description: a short description of what was bought
- raw_text: all text you could read from the image, in reading order

Return ONLY valid JSON in this exact format:
{
  "payment_method": "alipay",
  "amount": 0.00,
  "transaction_time": "YYYY-MM-DD HH:MM:SS",
  "product_type": "dining",
  "merchant": "Merchant Name",
  "description": "Brief description",
  "raw_text": "..."
}

Important:
- The amount must be a number, not a string
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if isHEIC(data, mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEIC looks for an ftyp box with a HEIF brand, or a HEIC/HEIF MIME type
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// prepareImageData returns the upload as PNG, which every provider accepts
func prepareImageData(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "image/png" && !isHEIC(data, mimeType) {
		return data, nil
	}

	var (
		img image.Image
		err error
	)
	if mimeType == "application/pdf" {
		img, err = pdfToImage(data)
	} else {
		img, err = decodeImage(data, mimeType)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

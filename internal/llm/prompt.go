package llm

import (
	"strings"

	"github.com/lithammer/dedent"
)

var receiptPrompt = strings.TrimSpace(dedent.Dedent(`
	Transcribe this photo of a purchase receipt.

	Respond in JSON format with these fields:
	- items: Array of product line items. Each item has:
	  - name: The product name exactly as printed on the receipt
	  - unit_price: Price of a single unit as a number, no currency symbol
	  - quantity: Number of units bought, as an integer
	  - total_price: The line total, unit_price times quantity
	- total: The receipt's total amount as a number
	- confidence: Your confidence in the transcription from 0.0 to 1.0

	Only include actual product lines. Skip non-product text such as the
	store name, address, date, time, cashier, subtotal, tax, change,
	payment method and thank-you messages.

	Example response:
	{"items": [{"name": "Maito 1L", "unit_price": 1.29, "quantity": 2, "total_price": 2.58}], "total": 2.58, "confidence": 0.92}

	Respond ONLY with the JSON object, no markdown or other text.
`))

// ReceiptPrompt returns the transcription prompt sent with every receipt
// photo.
func ReceiptPrompt() string {
	return receiptPrompt
}

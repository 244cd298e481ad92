// Package khqr produces KHQR (EMVCo merchant-presented) payment payloads.
//
// Callers depend only on the Encoder contract: a Response whose Status.Code is
// StatusSuccess carries the payload and its MD5 fingerprint, anything else
// carries a diagnostic message and no data.
package khqr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusSuccess = 0
	StatusError   = 1
)

// Currency is an ISO 4217 numeric currency code as carried in tag 53.
type Currency string

const (
	CurrencyKHR Currency = "116"
	CurrencyUSD Currency = "840"
)

// ParseCurrency accepts an alphabetic or numeric code.
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "KHR", "116":
		return CurrencyKHR, nil
	case "USD", "840":
		return CurrencyUSD, nil
	}
	return "", fmt.Errorf("unsupported currency %q", s)
}

// Alpha returns the alphabetic code.
func (c Currency) Alpha() string {
	switch c {
	case CurrencyKHR:
		return "KHR"
	case CurrencyUSD:
		return "USD"
	}
	return string(c)
}

// Exponent is the number of minor-unit digits.
func (c Currency) Exponent() int32 {
	if c == CurrencyUSD {
		return 2
	}
	return 0
}

// Options carries the optional, per-code fields of a payload.
type Options struct {
	Currency      Currency
	Amount        decimal.Decimal
	BillNumber    string
	MobileNumber  string
	StoreLabel    string
	TerminalLabel string
	// CreatedAt and ExpiresAt populate the timestamp template (tag 99) when set.
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MerchantInfo identifies the payee. An empty MerchantID encodes an individual account.
type MerchantInfo struct {
	AccountID     string
	MerchantName  string
	City          string
	MerchantID    string
	AcquiringBank string
	Options       Options
}

type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type Data struct {
	QR  string `json:"qr"`
	MD5 string `json:"md5"`
}

type Response struct {
	Status Status `json:"status"`
	Data   *Data  `json:"data,omitempty"`
}

//go:generate mockgen -source=encoder.go -destination=mocks/encoder.go -package=mocks Encoder

// Encoder turns payee information into a scannable payload.
type Encoder interface {
	Encode(info MerchantInfo) *Response
}

// EMVEncoder is the built-in Encoder.
type EMVEncoder struct {
	// MCC is the merchant category code, 5999 when empty.
	MCC string
}

func NewEncoder() *EMVEncoder {
	return &EMVEncoder{MCC: "5999"}
}

func failure(format string, a ...any) *Response {
	return &Response{Status: Status{Code: StatusError, Message: fmt.Sprintf(format, a...)}}
}

func (e *EMVEncoder) Encode(info MerchantInfo) *Response {
	if err := validate(info); err != nil {
		return failure("%v", err)
	}
	opts := info.Options
	if opts.Currency == "" {
		opts.Currency = CurrencyKHR
	}

	var b tlvBuilder
	b.add(TagPayloadFormat, "01")
	if opts.Amount.IsPositive() {
		b.add(TagPointOfInitiation, "12")
	} else {
		b.add(TagPointOfInitiation, "11")
	}

	var account tlvBuilder
	account.add("00", info.AccountID)
	if info.MerchantID != "" {
		account.add("01", info.MerchantID)
		account.add("02", info.AcquiringBank)
		b.add(TagMerchantAccount, account.String())
	} else {
		if info.AcquiringBank != "" {
			account.add("02", info.AcquiringBank)
		}
		b.add(TagIndividualAccount, account.String())
	}

	mcc := e.MCC
	if mcc == "" {
		mcc = "5999"
	}
	b.add(TagMCC, mcc)
	b.add(TagCurrency, string(opts.Currency))
	if opts.Amount.IsPositive() {
		b.add(TagAmount, opts.Amount.StringFixed(opts.Currency.Exponent()))
	}
	b.add(TagCountry, "KH")
	b.add(TagMerchantName, info.MerchantName)
	b.add(TagCity, info.City)

	var extra tlvBuilder
	extra.addOptional("01", opts.BillNumber)
	extra.addOptional("02", opts.MobileNumber)
	extra.addOptional("03", opts.StoreLabel)
	extra.addOptional("07", opts.TerminalLabel)
	if extra.Len() > 0 {
		b.add(TagAdditionalData, extra.String())
	}

	if !opts.CreatedAt.IsZero() {
		var ts tlvBuilder
		ts.add("00", fmt.Sprintf("%d", opts.CreatedAt.UnixMilli()))
		if !opts.ExpiresAt.IsZero() {
			ts.add("01", fmt.Sprintf("%d", opts.ExpiresAt.UnixMilli()))
		}
		b.add(TagTimestamp, ts.String())
	}

	payload := b.String() + TagCRC + "04"
	qr := payload + fmt.Sprintf("%04X", crc16(payload))

	sum := md5.Sum([]byte(qr))
	return &Response{
		Status: Status{Code: StatusSuccess},
		Data:   &Data{QR: qr, MD5: hex.EncodeToString(sum[:])},
	}
}

// maxAmountLen is the longest amount field value a code can carry.
const maxAmountLen = 13

// ValidateAmount checks that amount fits the amount field for cur. An empty
// currency means KHR.
func ValidateAmount(amount decimal.Decimal, cur Currency) error {
	if cur == "" {
		cur = CurrencyKHR
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount must not be negative")
	}
	if !amount.Equal(amount.Truncate(cur.Exponent())) {
		return fmt.Errorf("amount has more than %d decimal places for %s", cur.Exponent(), cur.Alpha())
	}
	if len(amount.StringFixed(cur.Exponent())) > maxAmountLen {
		return fmt.Errorf("amount is too large")
	}
	return nil
}

func validate(info MerchantInfo) error {
	switch {
	case info.AccountID == "":
		return fmt.Errorf("bakong account id is required")
	case len(info.AccountID) > 32:
		return fmt.Errorf("bakong account id must be at most 32 characters")
	case strings.Count(info.AccountID, "@") != 1:
		return fmt.Errorf("bakong account id is invalid")
	case info.MerchantName == "":
		return fmt.Errorf("merchant name is required")
	case len(info.MerchantName) > 25:
		return fmt.Errorf("merchant name must be at most 25 characters")
	case info.City == "":
		return fmt.Errorf("merchant city is required")
	case len(info.City) > 15:
		return fmt.Errorf("merchant city must be at most 15 characters")
	case len(info.MerchantID) > 32:
		return fmt.Errorf("merchant id must be at most 32 characters")
	case info.MerchantID != "" && info.AcquiringBank == "":
		return fmt.Errorf("acquiring bank is required for merchant accounts")
	case len(info.AcquiringBank) > 32:
		return fmt.Errorf("acquiring bank must be at most 32 characters")
	}

	opts := info.Options
	if opts.Currency != "" && opts.Currency != CurrencyKHR && opts.Currency != CurrencyUSD {
		return fmt.Errorf("currency %q is not supported", opts.Currency)
	}
	if err := ValidateAmount(opts.Amount, opts.Currency); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"bill number":    opts.BillNumber,
		"mobile number":  opts.MobileNumber,
		"store label":    opts.StoreLabel,
		"terminal label": opts.TerminalLabel,
	} {
		if len(v) > 25 {
			return fmt.Errorf("%s must be at most 25 characters", name)
		}
	}
	if !opts.ExpiresAt.IsZero() && !opts.CreatedAt.IsZero() && !opts.ExpiresAt.After(opts.CreatedAt) {
		return fmt.Errorf("expiration must be after creation")
	}
	return nil
}

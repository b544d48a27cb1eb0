package handler

import (
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decoder is implemented by request bodies.
type decoder interface {
	Decode(d *jx.Decoder) error
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst decoder) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read request body")
	}
	if err := dst.Decode(jx.DecodeBytes(data)); err != nil {
		return &validationError{msg: "invalid request body: " + err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "validate request")
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		return &validationError{msg: "validation failed", fields: fields}
	}
	return nil
}

func field(k []byte, err error) error {
	if err != nil {
		return errors.Wrapf(err, "field %q", k)
	}
	return nil
}

func unknownField(k []byte) error {
	return errors.Errorf("unknown field %q", k)
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder, v *decimal.Decimal) error {
	raw, err := d.Raw()
	if err != nil {
		return err
	}
	return v.UnmarshalJSON(raw)
}

func decodeTime(d *jx.Decoder, v *time.Time) error {
	s, err := d.Str()
	if err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*v = t
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return "is invalid"
}

type addItemRequest struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1,max=1000"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type addressRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	Phone      string `json:"phone" validate:"required,max=32"`
	Street     string `json:"street" validate:"required,max=256"`
	City       string `json:"city" validate:"required,max=128"`
	State      string `json:"state" validate:"required,max=128"`
	PostalCode string `json:"postalCode" validate:"required,max=16"`
	Country    string `json:"country" validate:"max=64"`
}

type placeOrderRequest struct {
	PaymentMode     string         `json:"paymentMode" validate:"required,oneof=cod pickup card upi netbanking online"`
	ShippingAddress addressRequest `json:"shippingAddress" validate:"required"`
}

type confirmPaymentRequest struct {
	PaymentRef string `json:"paymentRef" validate:"required,max=128"`
}

type quoteReferralRequest struct {
	Code  string          `json:"code" validate:"required,max=64"`
	Total decimal.Decimal `json:"total"`
}

type createCouponRequest struct {
	Code              string          `json:"code" validate:"required,max=64"`
	DiscountType      string          `json:"discountType" validate:"required,oneof=percentage flat"`
	DiscountValue     decimal.Decimal `json:"discountValue"`
	ExpiryDate        time.Time       `json:"expiryDate"`
	MinOrderValue     decimal.Decimal `json:"minOrderValue"`
	UsageLimit        int             `json:"usageLimit" validate:"gte=0"`
	MaxDiscountAmount decimal.Decimal `json:"maxDiscountAmount"`
	CreatedBy         string          `json:"createdBy" validate:"max=128"`
}

type createReferralRequest struct {
	Code            string          `json:"code" validate:"required,max=64"`
	AffiliateID     string          `json:"affiliateId" validate:"required,max=128"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
}

type startOfferRequest struct {
	DiscountPercent   decimal.Decimal `json:"discountPercent"`
	MaxDiscountAmount decimal.Decimal `json:"maxDiscountAmount"`
	DurationMinutes   int             `json:"durationMinutes" validate:"gte=0,lte=1440"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing shipped delivered cancelled refunded"`
}

func (r *addItemRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "productId":
			r.ProductID, err = d.Str()
		case "quantity":
			r.Quantity, err = d.Int()
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *updateItemRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != "quantity" {
			return unknownField(k)
		}
		var err error
		r.Quantity, err = d.Int()
		return field(k, err)
	})
}

func (r *codeRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != "code" {
			return unknownField(k)
		}
		var err error
		r.Code, err = d.Str()
		return field(k, err)
	})
}

func (r *addressRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var dst *string
		switch string(k) {
		case "name":
			dst = &r.Name
		case "phone":
			dst = &r.Phone
		case "street":
			dst = &r.Street
		case "city":
			dst = &r.City
		case "state":
			dst = &r.State
		case "postalCode":
			dst = &r.PostalCode
		case "country":
			dst = &r.Country
		default:
			return unknownField(k)
		}
		var err error
		*dst, err = d.Str()
		return field(k, err)
	})
}

func (r *placeOrderRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "paymentMode":
			r.PaymentMode, err = d.Str()
		case "shippingAddress":
			err = r.ShippingAddress.Decode(d)
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *confirmPaymentRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != "paymentRef" {
			return unknownField(k)
		}
		var err error
		r.PaymentRef, err = d.Str()
		return field(k, err)
	})
}

func (r *quoteReferralRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "code":
			r.Code, err = d.Str()
		case "total":
			err = decodeDecimal(d, &r.Total)
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *createCouponRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "code":
			r.Code, err = d.Str()
		case "discountType":
			r.DiscountType, err = d.Str()
		case "discountValue":
			err = decodeDecimal(d, &r.DiscountValue)
		case "expiryDate":
			err = decodeTime(d, &r.ExpiryDate)
		case "minOrderValue":
			err = decodeDecimal(d, &r.MinOrderValue)
		case "usageLimit":
			r.UsageLimit, err = d.Int()
		case "maxDiscountAmount":
			err = decodeDecimal(d, &r.MaxDiscountAmount)
		case "createdBy":
			r.CreatedBy, err = d.Str()
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *createReferralRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "code":
			r.Code, err = d.Str()
		case "affiliateId":
			r.AffiliateID, err = d.Str()
		case "discountPercent":
			err = decodeDecimal(d, &r.DiscountPercent)
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *startOfferRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "discountPercent":
			err = decodeDecimal(d, &r.DiscountPercent)
		case "maxDiscountAmount":
			err = decodeDecimal(d, &r.MaxDiscountAmount)
		case "durationMinutes":
			r.DurationMinutes, err = d.Int()
		default:
			return unknownField(k)
		}
		return field(k, err)
	})
}

func (r *updateStatusRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != "status" {
			return unknownField(k)
		}
		var err error
		r.Status, err = d.Str()
		return field(k, err)
	})
}

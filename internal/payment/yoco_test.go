package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pawtag/internal/resilience"
)

func TestNewYocoValidatesSecretKey(t *testing.T) {
	_, err := NewYoco("", "", resilience.HTTPClient{})
	require.Error(t, err)

	_, err = NewYoco("pk_test_123", "", resilience.HTTPClient{})
	require.Error(t, err)

	y, err := NewYoco("sk_test_123", "", resilience.HTTPClient{})
	require.NoError(t, err)
	require.Equal(t, "https://payments.yoco.com/api", y.baseURL)
}

func TestYocoCreateCheckout(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody yocoCheckoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/checkouts", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "co-77",
			"redirectUrl": "https://pay.yoco.com/co-77",
		})
	}))
	defer srv.Close()

	y, err := NewYoco("sk_test_abc", srv.URL, resilience.HTTPClient{Client: srv.Client()})
	require.NoError(t, err)

	session, err := y.CreateCheckout(context.Background(), CheckoutRequest{
		AmountInCents:  7000,
		Currency:       "ZAR",
		Metadata:       Metadata{PaymentID: "pay-1", UserID: "user-1"},
		IdempotencyKey: "user-1-42",
	})
	require.NoError(t, err)
	require.Equal(t, "co-77", session.ID)
	require.Equal(t, "https://pay.yoco.com/co-77", session.RedirectURL)

	require.Equal(t, "Bearer sk_test_abc", gotAuth)
	require.Equal(t, "user-1-42", gotIdem)
	require.Equal(t, int64(7000), gotBody.Amount)
	require.Equal(t, "pay-1", gotBody.Metadata.PaymentID)
}

func TestYocoCreateCheckoutRequiresRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "co-1"})
	}))
	defer srv.Close()

	y, err := NewYoco("sk_test_abc", srv.URL, resilience.HTTPClient{Client: srv.Client()})
	require.NoError(t, err)
	_, err = y.CreateCheckout(context.Background(), CheckoutRequest{AmountInCents: 100, Currency: "ZAR"})
	require.Error(t, err)
}

func TestYocoFetchCheckoutEchoesMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/checkouts/co-5", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "co-5",
			"status": "completed",
			"payment": map[string]any{
				"id": "ch-12",
			},
			"metadata": map[string]any{"paymentId": "pay-9"},
		})
	}))
	defer srv.Close()

	y, err := NewYoco("sk_test_abc", srv.URL, resilience.HTTPClient{Client: srv.Client()})
	require.NoError(t, err)

	status, err := y.FetchCheckout(context.Background(), "co-5")
	require.NoError(t, err)
	require.True(t, status.IsSuccessful)
	require.Equal(t, "ch-12", status.ChargeID)
	require.Equal(t, "pay-9", status.Metadata.PaymentID)
}

func TestYocoChargeUsesSecretHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk_test_abc", r.Header.Get("X-Auth-Secret-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, float64(25000), body["amount_in_cents"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ch-3", "status": "successful"})
	}))
	defer srv.Close()

	y, err := NewYoco("sk_test_abc", "https://payments.example.com", resilience.HTTPClient{Client: srv.Client()})
	require.NoError(t, err)
	y.chargeURL = srv.URL

	res, err := y.Charge(context.Background(), "tok_1", 25000, "ZAR")
	require.NoError(t, err)
	require.True(t, res.Successful)
	require.Equal(t, "ch-3", res.ID)
}

func TestInterpretCheckoutStatusVocabulary(t *testing.T) {
	cases := []struct {
		name       string
		checkout   yocoCheckout
		successful bool
		failed     bool
		canceled   bool
	}{
		{"completed", yocoCheckout{Status: "completed"}, true, false, false},
		{"complete prefix", yocoCheckout{Status: "Complete"}, true, false, false},
		{"paid via state", yocoCheckout{State: "paid"}, true, false, false},
		{"succeeded snake", yocoCheckout{PaymentSnake: "succeeded"}, true, false, false},
		{"failed", yocoCheckout{Status: "failed"}, false, true, false},
		{"declined", yocoCheckout{PaymentStatus: "declined"}, false, true, false},
		{"cancelled", yocoCheckout{Status: "cancelled"}, false, false, true},
		{"created is pending", yocoCheckout{Status: "created"}, false, false, false},
		{"empty", yocoCheckout{}, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := interpretCheckout(tc.checkout)
			require.Equal(t, tc.successful, got.IsSuccessful)
			require.Equal(t, tc.failed, got.IsFailed)
			require.Equal(t, tc.canceled, got.IsCanceled)
		})
	}
}

func TestInterpretCheckoutChargeIDFallbacks(t *testing.T) {
	c := yocoCheckout{Status: "completed"}
	c.Payment.ID = "ch-via-payment"
	require.Equal(t, "ch-via-payment", interpretCheckout(c).ChargeID)

	c.ChargeID = "ch-direct"
	require.Equal(t, "ch-direct", interpretCheckout(c).ChargeID)
}

func TestNormalizeTagType(t *testing.T) {
	cases := map[string]string{
		"Apple AirTag Package":    "Apple AirTag",
		"samsung smarttag bundle": "Samsung SmartTag",
		"Standard Tag Package":    "Standard",
		"Gold Membership":         "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeTagType(in), in)
	}
}

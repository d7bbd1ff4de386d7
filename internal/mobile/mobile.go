// Package mobile decides how a device reaches the checkout: native app via
// deep link, or hosted web checkout. The deep link is a best-effort
// heuristic, so every plan carries the web URL as fallback plus the delay
// after which the client should take it.
package mobile

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tavolo/paycore/internal/intent"
)

// Device classifies the requesting device.
type Device int

const (
	DeviceOther Device = iota
	DeviceIOS
	DeviceAndroid
)

func (d Device) String() string {
	switch d {
	case DeviceIOS:
		return "ios"
	case DeviceAndroid:
		return "android"
	}
	return "other"
}

// ClassifyDevice derives the device from a User-Agent header. Anything
// ambiguous falls back to the web channel, which always works.
func ClassifyDevice(userAgent string) Device {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return DeviceAndroid
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return DeviceIOS
	}
	return DeviceOther
}

// ChannelPlan tells the client how to start the payment. DeepLinkURL is
// empty when the web channel was chosen; otherwise the client navigates to
// the deep link and falls back to CheckoutURL after FallbackAfter unless the
// native app took over first.
type ChannelPlan struct {
	CheckoutURL   string        `json:"checkoutUrl"`
	DeepLinkURL   string        `json:"deepLinkUrl,omitempty"`
	FallbackAfter time.Duration `json:"fallbackAfterMs,omitempty"`
}

const deepLinkScheme = "sumupmerchant://pay/1.0"

// Selector builds channel plans.
type Selector struct {
	affiliateKey    string
	returnURL       string // our deep-link return endpoint
	webCheckoutBase string
	fallback        time.Duration
}

// NewSelector creates a selector. returnURL is the absolute URL of the
// deep-link return endpoint; fallback is how long the client waits before
// assuming no native app intercepted the navigation.
func NewSelector(affiliateKey, returnURL string, fallback time.Duration) *Selector {
	return &Selector{
		affiliateKey:    affiliateKey,
		returnURL:       returnURL,
		webCheckoutBase: "https://pay.sumup.com/b2c",
		fallback:        fallback,
	}
}

// Plan chooses the channel for one intent. Deep links need a configured
// affiliate key and a real provider checkout behind them; degraded intents
// and unknown devices always go through the web.
func (s *Selector) Plan(device Device, it *intent.Intent) ChannelPlan {
	plan := ChannelPlan{CheckoutURL: s.webCheckoutBase + "/" + url.PathEscape(it.ID)}

	if device == DeviceOther || it.Degraded || s.affiliateKey == "" {
		return plan
	}

	plan.DeepLinkURL = s.deepLink(device, it)
	plan.FallbackAfter = s.fallback
	return plan
}

func (s *Selector) deepLink(device Device, it *intent.Intent) string {
	ret := s.returnURL + "?checkout_id=" + url.QueryEscape(it.ID) +
		"&foreign-tx-id=" + url.QueryEscape(it.Reference.String())

	q := url.Values{}
	q.Set("affiliate-key", s.affiliateKey)
	q.Set("amount", strconv.FormatFloat(float64(it.Amount)/100, 'f', 2, 64))
	q.Set("currency", it.Currency)
	q.Set("title", it.Reference.String())
	q.Set("foreign-tx-id", it.Reference.String())

	// The iOS app wants separate success/failure URLs; Android one
	// callback carrying smp-status.
	switch device {
	case DeviceIOS:
		q.Set("callbacksuccess", ret)
		q.Set("callbackfail", ret)
	case DeviceAndroid:
		q.Set("callback", ret)
	}

	return deepLinkScheme + "?" + q.Encode()
}

package bundler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/launch-bundler/auth"
	"github.com/flashbots/launch-bundler/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const SendBundleEndpointName = "eth_sendBundle"

type RelayEndpoint struct {
	Name string
	URL  string
}

type RelayConfig struct {
	Relays []RelayEndpoint
	// AuthKey signs every request with the X-Flashbots-Signature header when set.
	AuthKey *ecdsa.PrivateKey
	// Timeout bounds each relay call.
	Timeout time.Duration
}

// signingTransport adds the signature header computed over the request body.
type signingTransport struct {
	key  *ecdsa.PrivateKey
	next http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	header, err := auth.Sign(t.key, body)
	if err != nil {
		return nil, err
	}
	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(auth.HeaderName, header)
	return t.next.RoundTrip(signed)
}

type relayBackend struct {
	name   string
	client jsonrpc.RPCClient
}

func newRelayBackend(endpoint RelayEndpoint, key *ecdsa.PrivateKey) relayBackend {
	var transport http.RoundTripper = http.DefaultTransport
	if key != nil {
		transport = &signingTransport{key: key, next: transport}
	}
	name := endpoint.Name
	if name == "" {
		name = endpoint.URL
	}
	return relayBackend{
		name: name,
		client: jsonrpc.NewClientWithOpts(endpoint.URL, &jsonrpc.RPCClientOpts{
			HTTPClient:         &http.Client{Transport: transport},
			AllowUnknownFields: true,
		}),
	}
}

func (b relayBackend) sendBundle(ctx context.Context, args SendBundleArgs) (common.Hash, error) {
	res, err := b.client.Call(ctx, SendBundleEndpointName, []SendBundleArgs{args})
	if res != nil && res.Error != nil {
		return common.Hash{}, &RelayRejectedError{
			Relay:   b.name,
			Code:    res.Error.Code,
			Message: res.Error.Message,
			Data:    res.Error.Data,
		}
	}
	if err != nil {
		return common.Hash{}, &RelayUnavailableError{Relay: b.name, Err: err}
	}
	if res == nil {
		return common.Hash{}, &RelayUnavailableError{Relay: b.name, Err: errors.New("empty response")} //nolint:goerr113
	}
	var out SendBundleResponse
	// some relays answer with a bare string or null; the local hash is used then
	if err := res.GetObject(&out); err != nil {
		return common.Hash{}, nil
	}
	return out.BundleHash, nil
}

// RelaySubmitter sends bundles to every configured relay in parallel. A bundle counts as submitted
// when at least one relay accepts it. Submissions are never retried.
type RelaySubmitter struct {
	log      *zap.Logger
	relays   []relayBackend
	registry SubmittedRegistry
	timeout  time.Duration
	now      func() time.Time
}

func NewRelaySubmitter(log *zap.Logger, cfg RelayConfig, registry SubmittedRegistry) (*RelaySubmitter, error) {
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}
	relays := make([]relayBackend, len(cfg.Relays))
	for i, endpoint := range cfg.Relays {
		relays[i] = newRelayBackend(endpoint, cfg.AuthKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	if registry == nil {
		registry = NewMemorySubmittedRegistry(time.Hour)
	}
	return &RelaySubmitter{
		log:      log.Named("relay"),
		relays:   relays,
		registry: registry,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

type relayResult struct {
	name string
	hash common.Hash
	err  error
}

// Submit sends the bundle as eth_sendBundle. On failure of every relay the first rejection is
// returned if there is one, otherwise the joined transport errors.
func (s *RelaySubmitter) Submit(ctx context.Context, bundle *Bundle) (*BundleHandle, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	hashes := bundle.Hashes()
	if err := s.registry.Claim(ctx, hashes); err != nil {
		return nil, err
	}

	args := SendBundleArgs{
		Txs:         bundle.RawTxs(),
		BlockNumber: hexutil.Uint64(bundle.TargetBlock),
	}
	log := s.log.With(zap.String("bundle", bundle.Hash().Hex()), zap.Int("txs", len(args.Txs)))

	results := make([]relayResult, len(s.relays))
	var wg sync.WaitGroup
	for idx, relay := range s.relays {
		wg.Add(1)
		go func(idx int, relay relayBackend) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			start := time.Now()
			hash, err := relay.sendBundle(callCtx, args)
			metrics.RecordRelayCallDuration(time.Since(start).Milliseconds())
			log.Debug("Sent bundle to relay", zap.String("relay", relay.name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			results[idx] = relayResult{name: relay.name, hash: hash, err: err}
		}(idx, relay)
	}
	wg.Wait()

	handle := &BundleHandle{
		TargetBlock: bundle.TargetBlock,
		SubmittedAt: s.now(),
		TxHashes:    hashes,
	}
	var (
		rejected *RelayRejectedError
		errs     []error
	)
	for _, res := range results {
		if res.err == nil {
			handle.Relays = append(handle.Relays, res.name)
			if handle.BundleHash == (common.Hash{}) {
				handle.BundleHash = res.hash
			}
			continue
		}
		var rejErr *RelayRejectedError
		if errors.As(res.err, &rejErr) {
			metrics.IncRelayRejected()
			log.Warn("Relay rejected bundle", zap.String("relay", res.name), zap.Int("code", rejErr.Code), zap.String("message", rejErr.Message))
			if rejected == nil {
				rejected = rejErr
			}
		} else {
			metrics.IncRelayUnavailable()
			log.Warn("Relay unavailable", zap.String("relay", res.name), zap.Error(res.err))
		}
		errs = append(errs, res.err)
	}

	if len(handle.Relays) == 0 {
		if err := s.registry.Release(ctx, hashes); err != nil {
			log.Warn("Failed to release submitted hashes", zap.Error(err))
		}
		if rejected != nil {
			return nil, rejected
		}
		return nil, errors.Join(errs...)
	}
	if handle.BundleHash == (common.Hash{}) {
		handle.BundleHash = bundle.Hash()
	}
	metrics.IncBundlesSubmitted()
	log.Info("Bundle submitted", zap.Strings("relays", handle.Relays), zap.String("bundleHash", handle.BundleHash.Hex()))
	return handle, nil
}

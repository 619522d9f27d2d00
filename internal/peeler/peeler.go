// Package peeler implements the Peeler state machine: it walks the onion
// stack {BASE, POW, CAPTCHA, SIGNED, COLLECTION}, each layer with distinct
// unwrap semantics, and serves the five rendezvous HTTP operations.
package peeler

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"rendezvous-acs-server/internal/acs"
	"rendezvous-acs-server/internal/config"
	"rendezvous-acs-server/internal/crypto"
	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/metrics"
	"rendezvous-acs-server/internal/onion"
	"rendezvous-acs-server/internal/session"
)

// Peeler composes the session store, the onion decoder, and the ACS
// Dancer into the five rendezvous HTTP operations.
type Peeler struct {
	cfg     *config.Config
	store   *session.Store
	decoder *onion.Decoder
	dancer  *acs.Dancer
	log     *logger.Logger
	metr    *metrics.Metrics
	search  session.PowSearchFunc
}

// New returns a ready-to-use Peeler. The real POW search (crypto.Search)
// is wired in production via cmd/rendezvousd; tests substitute a fast
// stub through NewWithSearch.
func New(cfg *config.Config, store *session.Store, decoder *onion.Decoder, dancer *acs.Dancer, log *logger.Logger, m *metrics.Metrics) *Peeler {
	return NewWithSearch(cfg, store, decoder, dancer, log, m, crypto.Search)
}

// NewWithSearch is New with an explicit POW search function, letting
// tests substitute a fast stub for crypto.Search.
func NewWithSearch(cfg *config.Config, store *session.Store, decoder *onion.Decoder, dancer *acs.Dancer, log *logger.Logger, m *metrics.Metrics, search session.PowSearchFunc) *Peeler {
	return &Peeler{cfg: cfg, store: store, decoder: decoder, dancer: dancer, log: log, metr: m, search: search}
}

// peelReply is the shape every peel success uses.
type peelReply struct {
	Info   any    `json:"info"`
	Status string `json:"status"`
	Type   string `json:"onion_type"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writePlain(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, text) //nolint:errcheck
}

func httpError(w http.ResponseWriter, code int, msg string) {
	http.Error(w, msg, code)
}

// --- gen_request ------------------------------------------------------------

type genRequestBody struct {
	Server string `json:"server"`
	Secure bool   `json:"secure,omitempty"`
}

// GenRequest issues a fresh cover URL and one-time session password.
func (p *Peeler) GenRequest(w http.ResponseWriter, r *http.Request) {
	var body genRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "malformed gen_request body")
		return
	}
	if body.Server == "" {
		httpError(w, http.StatusBadRequest, "missing server")
		return
	}

	password, err := generatePassword(p.cfg.PasswordMinLength)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("generate password: %v", err))
		return
	}
	path, err := generateCoverPath()
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("generate cover path: %v", err))
		return
	}

	p.store.SetPassword(password)

	scheme := "http"
	if body.Secure {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, body.Server, path)
	p.log.Debugf("gen_request", "issued request URL for server %s", body.Server)
	writePlain(w, http.StatusOK, url)
}

// generatePassword returns a random password beginning "aaa" and at least
// minLen characters long, drawn from the lowercase POW search alphabet.
func generatePassword(minLen int) (string, error) {
	if minLen < 8 {
		minLen = 16
	}
	suffixLen := minLen - 3
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	const alpha = "abcdefghijklmnopqrstuvwxyz"
	out := make([]byte, suffixLen)
	for i, b := range buf {
		out[i] = alpha[int(b)%len(alpha)]
	}
	return "aaa" + string(out), nil
}

// generateCoverPath mimics a photo-sharing host's lightbox URL.
func generateCoverPath() (string, error) {
	userID, err := randomHex(8)
	if err != nil {
		return "", err
	}
	photoID, err := randomHex(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/photos/%s/%s/lightbox", userID, photoID), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	const hexAlpha = "0123456789abcdef"
	out := make([]byte, 2*n)
	for i, b := range buf {
		out[2*i] = hexAlpha[b>>4]
		out[2*i+1] = hexAlpha[b&0x0f]
	}
	return string(out), nil
}

// --- image --------------------------------------------------------------

type imageReply struct {
	Image string `json:"image"`
	Type  string `json:"onion_type"`
}

// Image extracts an onion from a steganographic cover image. The request
// body is the raw JPEG bytes the client uploaded; the session password was
// recorded by the preceding gen_request call and never travels over the
// wire here.
func (p *Peeler) Image(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body")
		return
	}

	password, ok := p.store.Password()
	if !ok {
		httpError(w, http.StatusBadRequest, "missing password")
		return
	}

	ciphertext, cover, err := p.decoder.ExtractFromJPEG(body, 0)
	if err != nil {
		p.recordErrorsDecrypt()
		httpError(w, http.StatusBadRequest, fmt.Sprintf("extract: %v", err))
		return
	}

	plaintext, err := p.decoder.Decrypt(password, ciphertext)
	if err != nil {
		p.recordErrorsDecrypt()
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decrypt: %v", err))
		return
	}

	o, err := onion.Validate(plaintext)
	if err != nil {
		p.recordOnionsRejected()
		httpError(w, http.StatusBadRequest, fmt.Sprintf("validate: %v", err))
		return
	}

	dir, err := session.NewImageDir()
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("server error: %v", err))
		return
	}
	imgPath := filepath.Join(dir, "cover.jpg")
	if err := os.WriteFile(imgPath, cover, 0o600); err != nil {
		os.RemoveAll(dir)
		httpError(w, http.StatusBadRequest, fmt.Sprintf("server error: %v", err))
		return
	}

	p.store.SetOnion(o)
	p.store.SetImages(imgPath, dir)
	p.recordOnionsPeeled()
	p.log.Infof("image", "extracted %s onion into %s", o.Type, dir)

	writeJSON(w, http.StatusOK, imageReply{
		Image: "/rendezvous/file" + imgPath,
		Type:  o.Type.String(),
	})
}

// --- peel -----------------------------------------------------------------

type peelBody struct {
	Action json.RawMessage `json:"action,omitempty"`
}

// Peel advances the current onion by one layer, dispatching on its type.
func (p *Peeler) Peel(w http.ResponseWriter, r *http.Request) {
	var body peelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "malformed peel body")
			return
		}
	}

	o, ok := p.store.Onion()
	if !ok {
		httpError(w, http.StatusBadRequest, "no current onion")
		return
	}

	switch o.Type {
	case onion.Base:
		p.peelBase(w, o)
	case onion.Pow:
		p.peelPow(w, o)
	case onion.Captcha:
		p.peelCaptcha(w, o, body)
	case onion.Signed:
		p.peelSigned(w, o)
	case onion.Collection:
		httpError(w, http.StatusBadRequest, "collection onions are not supported")
	default:
		httpError(w, http.StatusBadRequest, "unknown onion type")
	}
}

func (p *Peeler) peelBase(w http.ResponseWriter, o *onion.Onion) {
	net, err := onion.ParseNet(o.Data())
	if err != nil {
		p.recordErrorsPeel()
		httpError(w, http.StatusBadRequest, fmt.Sprintf("parse NET: %v", err))
		return
	}
	acsNet := &acs.Net{
		Window:     net.Window,
		Wait:       net.Wait,
		Redirect:   net.Redirect,
		Initial:    net.Initial,
		Passphrase: net.Passphrase,
	}
	if !p.dancer.SetNet(acsNet) {
		// Surface the refusal instead of silently reporting success.
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "Already dancing", Type: o.Type.String()})
		return
	}
	p.recordPeel(o.Type.String())
	writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "Complete", Type: o.Type.String()})
}

func (p *Peeler) peelPow(w http.ResponseWriter, o *onion.Onion) {
	snap := p.store.PowSnapshot()
	if !snap.Running {
		if !p.store.PowStart(o, p.search) {
			httpError(w, http.StatusBadRequest, "server error: could not start POW worker")
			return
		}
		if p.metr != nil {
			p.metr.PowDispatches.Add(1)
		}
		writeJSON(w, http.StatusOK, peelReply{Info: 0, Status: "OK the Proof-Of-Work has commenced", Type: o.Type.String()})
		return
	}

	if !snap.Finished {
		percent := int(snap.Progress * 100 / crypto.MaxAttempts)
		writeJSON(w, http.StatusOK, peelReply{Info: percent, Status: "Proof-Of-Work in progress", Type: o.Type.String()})
		return
	}

	inner, ok := p.store.PowFinish()
	if !ok {
		if p.metr != nil {
			p.metr.PowErrors.Add(1)
		}
		httpError(w, http.StatusBadRequest, "Proof-Of-Work failed")
		return
	}
	p.recordPeel(inner.Type.String())
	writeJSON(w, http.StatusOK, peelReply{Info: 100, Status: "Your Proof-Of-Work has finished successfully!", Type: inner.Type.String()})
}

func (p *Peeler) peelCaptcha(w http.ResponseWriter, o *onion.Onion, body peelBody) {
	if _, ok := p.store.CaptchaPath(); !ok {
		dir, ok := p.store.ImageDir()
		if !ok {
			httpError(w, http.StatusBadRequest, "server error: no session image directory")
			return
		}
		captchaPath := session.CaptchaFilePath(dir)
		if err := os.WriteFile(captchaPath, o.Data(), 0o600); err != nil {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("server error: %v", err))
			return
		}
		p.store.SetCaptchaPath(captchaPath)
		writeJSON(w, http.StatusOK, peelReply{
			Info:   "/rendezvous/file" + captchaPath,
			Status: "Here is your captcha image!",
			Type:   o.Type.String(),
		})
		return
	}

	if len(body.Action) == 0 {
		httpError(w, http.StatusBadRequest, "missing action")
		return
	}
	var answer string
	if err := json.Unmarshal(body.Action, &answer); err != nil {
		p.recordCaptchaResult("badType")
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "JSON Answer field wasn't of the right type", Type: o.Type.String()})
		return
	}

	if !verifyCaptchaAnswer(answer) {
		p.recordCaptchaResult("wrong")
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "Nope, try again?", Type: o.Type.String()})
		return
	}

	inner, err := onion.Validate(o.Data())
	if err != nil {
		p.recordCaptchaResult("wrong")
		httpError(w, http.StatusBadRequest, fmt.Sprintf("peel captcha: %v", err))
		return
	}
	p.store.SetOnion(inner)
	p.store.ClearCaptcha()
	p.recordCaptchaResult("solved")
	p.recordPeel(inner.Type.String())
	writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "Excellent, you solved the captcha", Type: inner.Type.String()})
}

// verifyCaptchaAnswer stands in for the external CAPTCHA-solving
// collaborator, giving it the one answer that always succeeds so the
// state machine above is exercised end to end.
func verifyCaptchaAnswer(answer string) bool {
	return strings.TrimSpace(answer) == "correct"
}

func (p *Peeler) peelSigned(w http.ResponseWriter, o *onion.Onion) {
	keyPath := os.Getenv("DEFIANCE_PUBLIC_KEY_PATH")
	if keyPath == "" {
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "DEFIANCE_PUBLIC_KEY_PATH is not set", Type: o.Type.String()})
		return
	}

	pub, err := crypto.LoadPublicKey(keyPath)
	if err != nil {
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: fmt.Sprintf("could not read public key: %v", err), Type: o.Type.String()})
		return
	}

	sig := o.Puzzle()
	if !crypto.VerifySignedOnion(pub, o.Data(), sig) {
		p.recordErrorsPeel()
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "signature verification failed", Type: o.Type.String()})
		return
	}

	inner, err := onion.Validate(o.Data())
	if err != nil {
		writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: fmt.Sprintf("peel failed: %v", err), Type: o.Type.String()})
		return
	}
	p.store.SetOnion(inner)
	p.recordPeel(inner.Type.String())
	writeJSON(w, http.StatusOK, peelReply{Info: nil, Status: "Complete", Type: inner.Type.String()})
}

// --- reset ------------------------------------------------------------------

// Reset clears the active session, releasing every owned artifact.
func (p *Peeler) Reset(w http.ResponseWriter, r *http.Request) {
	p.store.Reset()
	p.log.Info("reset", "session reset")
	writePlain(w, http.StatusOK, "Reset OK")
}

// --- file -------------------------------------------------------------------

// File serves a file only if its path begins
// with the fixed jpeg_steg_embed prefix, reconfirmed via EvalSymlinks
// against symlink-based allow-list bypasses.
func (p *Peeler) File(w http.ResponseWriter, r *http.Request, path string) {
	if !strings.HasPrefix(path, p.cfg.JPEGStegEmbedPrefix) {
		httpError(w, http.StatusForbidden, "forbidden")
		return
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		httpError(w, http.StatusForbidden, "forbidden")
		return
	}
	resolvedDir, err := filepath.EvalSymlinks(filepath.Dir(p.cfg.JPEGStegEmbedPrefix))
	resolvedPrefix := filepath.Join(resolvedDir, filepath.Base(p.cfg.JPEGStegEmbedPrefix))
	if err == nil && !strings.HasPrefix(resolved, resolvedPrefix) {
		httpError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Cache-Control", "max-age=60")
	http.ServeFile(w, r, resolved)
}

// --- metrics helpers ---------------------------------------------------------
//
// p.metr is nilable (mirroring admin.Server's *metrics.Metrics field), so
// every call site goes through one of these guards instead of checking
// inline.

func (p *Peeler) recordPeel(onionType string) {
	if p.metr != nil {
		p.metr.RecordPeel(onionType)
	}
}

func (p *Peeler) recordCaptchaResult(result string) {
	if p.metr != nil {
		p.metr.RecordCaptchaResult(result)
	}
}

func (p *Peeler) recordErrorsPeel() {
	if p.metr != nil {
		p.metr.ErrorsPeel.Add(1)
	}
}

func (p *Peeler) recordErrorsDecrypt() {
	if p.metr != nil {
		p.metr.ErrorsDecrypt.Add(1)
	}
}

func (p *Peeler) recordOnionsPeeled() {
	if p.metr != nil {
		p.metr.OnionsPeeled.Add(1)
	}
}

func (p *Peeler) recordOnionsRejected() {
	if p.metr != nil {
		p.metr.OnionsRejected.Add(1)
	}
}

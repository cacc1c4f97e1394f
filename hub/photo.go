package hub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PhotoRequest is the input to RequestPhoto (§4.7).
type PhotoRequest struct {
	Package          string
	SaveToGallery    bool
	CustomWebhookURL string
	AuthToken        string
	Size             string
}

// PhotoResponse is the result delivered back to the requesting App.
type PhotoResponse struct {
	RequestID     string
	PhotoURL      string
	SavedToGallery bool
}

type pendingPhotoRequest struct {
	requestID     string
	pkg           string
	saveToGallery bool
	deadline      Timer
}

// PhotoRequestRouterDeps wires the capability interfaces this router
// needs.
type PhotoRequestRouterDeps struct {
	AppRunning          func(pkg string) bool
	DeviceTransportOpen func() bool
	SendToDevice        func(data []byte) error
	SendToApp           func(pkg string, data []byte)
	DescriptorPublicURL func(pkg string) (string, error)
}

// PhotoRequestRouter correlates photo capture requests with a 30 s
// deadline (§4.7), grounded on recording.go's deadline/auto-stop shape.
type PhotoRequestRouter struct {
	mu      sync.Mutex
	pending map[string]*pendingPhotoRequest

	cfg   Config
	clock Clock
	deps  PhotoRequestRouterDeps
	log   componentLogger
}

// NewPhotoRequestRouter constructs a router for one Session.
func NewPhotoRequestRouter(cfg Config, clock Clock, deps PhotoRequestRouterDeps) *PhotoRequestRouter {
	return &PhotoRequestRouter{
		pending: make(map[string]*pendingPhotoRequest),
		cfg:     cfg,
		clock:   clock,
		deps:    deps,
		log:     newLogger("photo"),
	}
}

// RequestPhoto implements §4.7's requestPhoto.
func (r *PhotoRequestRouter) RequestPhoto(req PhotoRequest) (string, error) {
	if r.deps.AppRunning != nil && !r.deps.AppRunning(req.Package) {
		return "", &ValidationError{Field: "package", Reason: "app not running"}
	}
	if r.deps.DeviceTransportOpen != nil && !r.deps.DeviceTransportOpen() {
		return "", &TransportClosedError{Who: "device"}
	}

	webhookURL := req.CustomWebhookURL
	if webhookURL == "" && r.deps.DescriptorPublicURL != nil {
		publicURL, err := r.deps.DescriptorPublicURL(req.Package)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, req.Package)
		}
		webhookURL = publicURL + "/photo-upload"
	}

	requestID := uuid.NewString()
	entry := &pendingPhotoRequest{requestID: requestID, pkg: req.Package, saveToGallery: req.SaveToGallery}
	entry.deadline = r.clock.AfterFunc(r.cfg.PhotoDeadline, func() {
		r.onDeadline(requestID)
	})

	r.mu.Lock()
	r.pending[requestID] = entry
	r.mu.Unlock()

	if r.deps.SendToDevice != nil {
		fields := map[string]any{
			"requestId":  requestID,
			"webhookUrl": webhookURL,
		}
		if req.AuthToken != "" {
			fields["authToken"] = req.AuthToken
		}
		if req.Size != "" {
			fields["size"] = req.Size
		}
		data, _ := Encode("photo_request", r.clock.Now().UnixMilli(), fields)
		if err := r.deps.SendToDevice(data); err != nil {
			r.removePending(requestID)
			return "", &TransportClosedError{Who: "device"}
		}
	}

	if req.CustomWebhookURL != "" {
		r.removePending(requestID)
		r.deliver(req.Package, PhotoResponse{RequestID: requestID, PhotoURL: req.CustomWebhookURL, SavedToGallery: req.SaveToGallery})
	}

	return requestID, nil
}

// HandlePhotoResponse implements §4.7's handlePhotoResponse.
func (r *PhotoRequestRouter) HandlePhotoResponse(resp PhotoResponse) {
	r.mu.Lock()
	entry, ok := r.pending[resp.RequestID]
	if ok {
		delete(r.pending, resp.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Printf("unknown photo response request_id=%s", resp.RequestID)
		return
	}
	if entry.deadline != nil {
		entry.deadline.Stop()
	}
	r.deliver(entry.pkg, resp)
}

func (r *PhotoRequestRouter) deliver(pkg string, resp PhotoResponse) {
	if r.deps.SendToApp == nil {
		return
	}
	data, _ := Encode("photo_result", r.clock.Now().UnixMilli(), map[string]any{
		"requestId":     resp.RequestID,
		"photoUrl":      resp.PhotoURL,
		"savedToGallery": resp.SavedToGallery,
	})
	r.deps.SendToApp(pkg, data)
}

func (r *PhotoRequestRouter) onDeadline(requestID string) {
	r.removePending(requestID)
}

func (r *PhotoRequestRouter) removePending(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, requestID)
}

// Dispose cancels every pending deadline timer.
func (r *PhotoRequestRouter) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p.deadline != nil {
			p.deadline.Stop()
		}
	}
}

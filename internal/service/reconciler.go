package service

// viewKey holds the only fields that decide whether the backend moved the
// declared camera. It is built fresh from each snapshot and from the baseline,
// so nothing else on a view (title, pitch, bearing) takes part in the
// comparison.
type viewKey struct {
	longitude float64
	latitude  float64
	zoom      float64
}

func keyOf(v ViewState) viewKey {
	return viewKey{longitude: v.Longitude, latitude: v.Latitude, zoom: v.Zoom}
}

func (k viewKey) view() ViewState {
	return ViewState{Longitude: k.longitude, Latitude: k.latitude, Zoom: k.zoom}
}

// ViewReconciler keeps the backend's declared camera from fighting the user.
//
// It remembers the last server view it adopted. A snapshot moves the camera
// only when its declared view differs from that baseline; user pans change the
// displayed camera and never the baseline.
type ViewReconciler struct {
	displayed Camera
	baseline  viewKey
}

// NewViewReconciler starts with initial as the displayed camera and as the
// baseline.
func NewViewReconciler(initial Camera) *ViewReconciler {
	return &ViewReconciler{
		displayed: initial,
		baseline:  viewKey{longitude: initial.Longitude, latitude: initial.Latitude, zoom: initial.Zoom},
	}
}

// Observe handles the declared view of a new snapshot and reports whether it
// was adopted as the displayed camera.
func (r *ViewReconciler) Observe(v ViewState) bool {
	k := keyOf(v)
	if k == r.baseline {
		return false
	}
	r.baseline = k
	r.displayed = CameraFrom(v)
	return true
}

// Pan records a user camera change.
func (r *ViewReconciler) Pan(c Camera) {
	r.displayed = c
}

// Displayed returns the camera the map should show.
func (r *ViewReconciler) Displayed() Camera {
	return r.displayed
}

// Baseline returns the last server view adopted.
func (r *ViewReconciler) Baseline() ViewState {
	return r.baseline.view()
}

package backend

import "strings"

// Routes holds the backend path for each capability. The admin and user
// groups differ between backend deployments, so they are built from
// configurable prefixes.
type Routes struct {
	Login         string
	Register      string
	VerifyOTP     string
	ResendOTP     string
	ResetPassword string
	Check         string
	Logout        string

	Search        string
	IOC           string
	Correlate     string
	ReportSummary string
	Statistics    string

	Ingest      string
	FetchStatus string

	UserUpdate      string
	UserUpdateImage string
	UserDelete      string
	UserGet         string
}

func DefaultRoutes(adminPrefix, userPrefix string) Routes {
	if adminPrefix == "" {
		adminPrefix = "/admin"
	}
	if userPrefix == "" {
		userPrefix = "/user"
	}
	return Routes{
		Login:         "/auth/login",
		Register:      "/auth/register",
		VerifyOTP:     "/auth/verify-otp",
		ResendOTP:     "/auth/resend-otp",
		ResetPassword: "/auth/reset-password",
		Check:         "/auth/check",
		Logout:        "/auth/logout",

		Search:        "/threat-intel/search",
		IOC:           "/threat-intel/ioc",
		Correlate:     "/threat-intel/correlate",
		ReportSummary: "/threat-intel/report-summary",
		Statistics:    "/threat-intel/statistics",

		Ingest:      adminPrefix + "/ingest",
		FetchStatus: adminPrefix + "/fetch-status",

		UserUpdate:      userPrefix + "/update",
		UserUpdateImage: userPrefix + "/update-image",
		UserDelete:      userPrefix + "/delete",
		UserGet:         userPrefix + "/get",
	}
}

// publicRoutes are the unauthenticated auth endpoints. They carry the
// api-key header; everything else carries the session bearer.
func (r Routes) publicRoutes() []string {
	return []string{r.Login, r.Register, r.VerifyOTP, r.ResendOTP, r.ResetPassword}
}

func (r Routes) usesAPIKey(path string) bool {
	for _, p := range r.publicRoutes() {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

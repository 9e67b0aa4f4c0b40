// Package routes decides what the portal shows for a path given the
// current session.
package routes

import (
	"fmt"
	"strings"

	"cabohealth/pkg/domain"
	"cabohealth/services/portal/internal/session"
)

// Kind is the outcome of a routing decision.
type Kind int

const (
	Wait Kind = iota
	Render
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Page names a renderable screen.
type Page string

const (
	PageLogin            Page = "login"
	PageRegister         Page = "register"
	PageDoctorDashboard  Page = "doctor_dashboard"
	PagePatientDashboard Page = "patient_dashboard"
	PageAnalysisReview   Page = "analysis_review"
	PageFunctional       Page = "functional_analysis"
	PagePatientReport    Page = "patient_report"
)

const (
	PathLogin     = "/login"
	PathRegister  = "/register"
	PathDashboard = "/dashboard"
)

type Decision struct {
	Kind   Kind
	Page   Page
	Target string
	Params map[string]string
}

type route struct {
	pattern []string
	page    Page
	// allowed is nil for public routes.
	allowed func(domain.Role) bool
}

func anyRole(domain.Role) bool { return true }

func only(want domain.Role) func(domain.Role) bool {
	return func(r domain.Role) bool { return r == want }
}

var table = []route{
	{pattern: []string{"login"}, page: PageLogin},
	{pattern: []string{"register"}, page: PageRegister},
	{pattern: []string{"dashboard"}, allowed: anyRole},
	{pattern: []string{"doctor", "analysis", ":id"}, page: PageAnalysisReview, allowed: only(domain.RoleDoctor)},
	{pattern: []string{"doctor", "functional", ":id"}, page: PageFunctional, allowed: only(domain.RoleDoctor)},
	{pattern: []string{"patient", "report", ":id"}, page: PagePatientReport, allowed: only(domain.RolePatient)},
}

// Decide maps path and session state to a decision. Unknown paths and "/"
// go to the dashboard.
func Decide(path string, st session.State) Decision {
	rt, params, ok := match(path)
	if !ok {
		return Decision{Kind: Redirect, Target: PathDashboard}
	}
	if rt.allowed == nil {
		return Decision{Kind: Render, Page: rt.page}
	}
	if st.Loading {
		return Decision{Kind: Wait}
	}
	if !st.Authenticated() {
		return Decision{Kind: Redirect, Target: PathLogin}
	}
	if rt.page == "" {
		return dashboard(st.Role)
	}
	if !rt.allowed(st.Role) {
		return Decision{Kind: Redirect, Target: PathDashboard}
	}
	return Decision{Kind: Render, Page: rt.page, Params: params}
}

func dashboard(role domain.Role) Decision {
	switch role {
	case domain.RoleDoctor:
		return Decision{Kind: Render, Page: PageDoctorDashboard}
	case domain.RolePatient:
		return Decision{Kind: Render, Page: PagePatientDashboard}
	case domain.RoleNone:
		return Decision{Kind: Redirect, Target: PathLogin}
	}
	return Decision{Kind: Redirect, Target: PathLogin}
}

func match(path string) (route, map[string]string, bool) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return route{}, nil, false
	}
	segs := strings.Split(path, "/")
	for _, rt := range table {
		if len(rt.pattern) != len(segs) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, p := range rt.pattern {
			if strings.HasPrefix(p, ":") {
				if segs[i] == "" {
					matched = false
					break
				}
				params[p[1:]] = segs[i]
				continue
			}
			if p != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			if len(params) == 0 {
				params = nil
			}
			return rt, params, true
		}
	}
	return route{}, nil, false
}

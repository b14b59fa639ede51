package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"

	ctxAdminSubject = "admin.subject"
	ctxAdminRole    = "admin.role"
)

const accessModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && regexMatch(r.act, p.act)
`

var defaultPolicies = [][]string{
	{RoleAdmin, "/v1/admin/*", "^(GET|POST|PUT|DELETE)$"},
	{RoleSupport, "/v1/admin/*", "^GET$"},
}

// AdminClaims are the claims carried by dashboard bearer tokens.
type AdminClaims struct {
	jwt.Claims
	Role string `json:"role"`
}

// AdminAuth verifies HS256 bearer tokens and checks the token's role
// against a path and method policy.
type AdminAuth struct {
	secret   []byte
	issuer   string
	enforcer *casbin.Enforcer
}

func NewAdminAuth(cfg *config.Config) (*AdminAuth, error) {
	m, err := model.NewModelFromString(accessModel)
	if err != nil {
		return nil, fmt.Errorf("load access model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	policies, err := parsePolicies(cfg.Admin.Policies)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}

	return &AdminAuth{
		secret:   []byte(cfg.Admin.JWTSecret),
		issuer:   cfg.Admin.Issuer,
		enforcer: enforcer,
	}, nil
}

// parsePolicies reads "role,path,method-regex" triples, falling back to
// the built-in policy set when none are configured.
func parsePolicies(raw []string) ([][]string, error) {
	if len(raw) == 0 {
		return defaultPolicies, nil
	}
	out := make([][]string, 0, len(raw))
	for _, line := range raw {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("ADMIN.POLICIES entry %q must be role,path,method", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		out = append(out, parts)
	}
	return out, nil
}

func (a *AdminAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.secret) == 0 {
			Abort(c, errutil.Unauthorized("admin authentication is not configured", nil))
			return
		}

		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			Abort(c, errutil.Unauthorized("missing bearer token", err))
			return
		}

		claims, err := a.verify(raw, time.Now())
		if err != nil {
			zap.L().Warn("admin token rejected", zap.String("path", c.FullPath()), zap.Error(err))
			Abort(c, errutil.Unauthorized("invalid bearer token", err))
			return
		}

		allowed, err := a.enforcer.Enforce(claims.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			Abort(c, errutil.Internal("authorization failed", err))
			return
		}
		if !allowed {
			Abort(c, errutil.Forbidden("role is not allowed to perform this action", nil))
			return
		}

		c.Set(ctxAdminSubject, claims.Subject)
		c.Set(ctxAdminRole, claims.Role)
		c.Next()
	}
}

func (a *AdminAuth) verify(raw string, now time.Time) (*AdminClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, err
	}

	var claims AdminClaims
	if err := tok.Claims(a.secret, &claims); err != nil {
		return nil, err
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: now}, time.Minute); err != nil {
		return nil, err
	}
	if claims.Expiry == nil {
		return nil, errors.New("token has no expiry")
	}
	if claims.Role == "" {
		return nil, errors.New("token has no role")
	}
	return &claims, nil
}

// SignAdminToken issues a token the dashboard can present to the admin API.
func SignAdminToken(secret []byte, issuer, subject, role string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := AdminClaims{
		Claims: jwt.Claims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

// AdminSubject returns the authenticated admin's subject claim.
func AdminSubject(c *gin.Context) string {
	return c.GetString(ctxAdminSubject)
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

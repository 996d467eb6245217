package deptusers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"

	"github.com/unkn0wn-root/deptusers/codec"
	"github.com/unkn0wn-root/deptusers/swr"
)

const (
	basePath        = "api/wizdom/departmentusers"
	departmentsPath = "api/wizdom/365/terms?termId=8ed8c9ea-7052-4c1d-a4d7-b9c10bffea6f"

	// used in place of the department when the backend resolves it from
	// the caller's identity
	callerDepartmentToken = "[login]"
)

// DepartmentsKey is the cache key of Departments.
const DepartmentsKey = "DepartmentUsers.getDepartments"

// ErrMalformedResponse is returned when a successful response is not the
// JSON shape an operation expects.
var ErrMalformedResponse = errors.New("deptusers: malformed response")

// Invoker performs API calls against paths relative to the API base address
// and returns the raw JSON response body.
type Invoker interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Post(ctx context.Context, path string, body any) ([]byte, error)
}

// Options tune a Service. The zero value is ready to use.
type Options struct {
	Logger swr.Logger // nil => swr.NopLogger
	// Codec names the cache value encoding: json (default), cbor, msgpack, proto.
	// Every Service sharing one cache namespace must use the same codec.
	Codec string
	// Policy overrides swr.DefaultPolicy when non-zero.
	Policy swr.Policy
	// MaxDecodeBytes rejects cached payloads larger than this; 0 = no limit.
	MaxDecodeBytes int
}

// Service serves the four directory reads. It holds no locks; all shared
// state lives in the cache.
type Service struct {
	api    Invoker
	webURL string
	policy swr.Policy
	log    swr.Logger

	users swr.Typed[[]User]
	depts swr.Typed[[]string]
}

func New(api Invoker, cache swr.Executor, webURL string, opts Options) (*Service, error) {
	if api == nil {
		return nil, fmt.Errorf("deptusers: invoker is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("deptusers: cache is required")
	}

	policy := opts.Policy
	if policy == (swr.Policy{}) {
		policy = swr.DefaultPolicy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	uc, err := codec.ByName[[]User](opts.Codec)
	if err != nil {
		return nil, err
	}
	dc, err := codec.ByName[[]string](opts.Codec)
	if err != nil {
		return nil, err
	}

	if opts.MaxDecodeBytes > 0 {
		uc = codec.Limit[[]User]{Inner: uc, MaxDecode: opts.MaxDecodeBytes}
		dc = codec.Limit[[]string]{Inner: dc, MaxDecode: opts.MaxDecodeBytes}
	}

	s := &Service{
		api:    api,
		webURL: strings.TrimRight(webURL, "/"),
		policy: policy,
		log:    opts.Logger,
		users:  swr.Typed[[]User]{Exec: cache, Codec: uc},
		depts:  swr.Typed[[]string]{Exec: cache, Codec: dc},
	}
	if s.log == nil {
		s.log = swr.NopLogger{}
	}
	return s, nil
}

// Users returns the users of department. With useCallerDepartment the
// backend picks the department of the calling identity and all such calls
// share one cache slot per selectProperties/resultSource pair.
func (s *Service) Users(ctx context.Context, department string, useCallerDepartment bool, selectProperties []string, resultSource string) ([]User, error) {
	keyDept := escapeKey(department)
	if useCallerDepartment {
		keyDept = callerDepartmentToken
	}
	key := cacheKey("DepartmentUsers.getUsers", keyDept, joinKey(selectProperties), escapeKey(resultSource))
	path := basePath +
		"?department=" + escapeComponent(department) +
		"&useUsersDepartment=" + strconv.FormatBool(useCallerDepartment) +
		extraParams(selectProperties, resultSource)

	return s.users.ExecuteCached(ctx, key, func(ctx context.Context) ([]User, error) {
		return s.fetchUsers(ctx, path, func(ctx context.Context) ([]byte, error) {
			return s.api.Get(ctx, path)
		})
	}, s.policy)
}

// UsersByQuery returns the users matching a free-text search query.
func (s *Service) UsersByQuery(ctx context.Context, query string, selectProperties []string, resultSource string) ([]User, error) {
	key := cacheKey("DepartmentUsers.getUsersByQuery", escapeKey(query), joinKey(selectProperties), escapeKey(resultSource))
	path := basePath + "?query=" + escapeComponent(query) + extraParams(selectProperties, resultSource)

	return s.users.ExecuteCached(ctx, key, func(ctx context.Context) ([]User, error) {
		return s.fetchUsers(ctx, path, func(ctx context.Context) ([]byte, error) {
			return s.api.Get(ctx, path)
		})
	}, s.policy)
}

// UsersByLoginNames resolves login names (or a group id) to user records.
// The names travel in the request body.
func (s *Service) UsersByLoginNames(ctx context.Context, loginNames []string, selectProperties []string, resultSource string) ([]User, error) {
	key := cacheKey("DepartmentUsers.getUsersByLoginNames", joinKey(loginNames), joinKey(selectProperties), escapeKey(resultSource))
	path := basePath + "/ensure"
	if q := extraParams(selectProperties, resultSource); q != "" {
		path += "?" + q[1:]
	}
	body := loginNames
	if body == nil {
		body = []string{}
	}

	return s.users.ExecuteCached(ctx, key, func(ctx context.Context) ([]User, error) {
		return s.fetchUsers(ctx, path, func(ctx context.Context) ([]byte, error) {
			return s.api.Post(ctx, path, body)
		})
	}, s.policy)
}

// Departments returns the department names of the fixed department term set.
func (s *Service) Departments(ctx context.Context) ([]string, error) {
	return s.depts.ExecuteCached(ctx, DepartmentsKey, func(ctx context.Context) ([]string, error) {
		raw, err := s.api.Get(ctx, departmentsPath)
		if err != nil {
			return nil, err
		}
		var out []string
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, goerr.Wrap(ErrMalformedResponse, "failed to decode departments",
				goerr.V("path", departmentsPath),
				goerr.V("cause", err.Error()))
		}
		if out == nil {
			out = []string{}
		}
		s.log.Debug("departments fetched", swr.Fields{"count": len(out)})
		return out, nil
	}, s.policy)
}

// fetchUsers runs call, extracts the users array and sets picture links
// before the result is handed to the cache.
func (s *Service) fetchUsers(ctx context.Context, path string, call func(context.Context) ([]byte, error)) ([]User, error) {
	raw, err := call(ctx)
	if err != nil {
		return nil, err
	}
	users, err := decodeUsers(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode users", goerr.V("path", path))
	}
	fixPictureURLs(s.webURL, users)
	s.log.Debug("users fetched", swr.Fields{"path": path, "count": len(users)})
	return users, nil
}

func decodeUsers(raw []byte) ([]User, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedResponse
	}
	res := gjson.GetBytes(raw, "users")
	switch {
	case !res.Exists():
		return nil, fmt.Errorf("%w: users field missing", ErrMalformedResponse)
	case res.Type == gjson.Null:
		return nil, fmt.Errorf("%w: users is null", ErrMalformedResponse)
	case !res.IsArray():
		return nil, fmt.Errorf("%w: users is %s, not an array", ErrMalformedResponse, res.Type)
	}
	users := make([]User, 0, len(res.Array()))
	if err := json.Unmarshal([]byte(res.Raw), &users); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return users, nil
}

// extraParams renders the optional selectProperties and resultSource query
// parameters, each prefixed with '&'.
func extraParams(selectProperties []string, resultSource string) string {
	var b strings.Builder
	for _, p := range selectProperties {
		b.WriteString("&selectProperties=")
		b.WriteString(escapeComponent(p))
	}
	if resultSource != "" {
		b.WriteString("&resultSource=")
		b.WriteString(escapeComponent(resultSource))
	}
	return b.String()
}

// KeyOperation returns the operation part of a cache key built by Service,
// e.g. "DepartmentUsers.getUsers". Useful as a low-cardinality metric label.
func KeyOperation(key string) string {
	op, _, _ := strings.Cut(key, ":")
	return op
}

func cacheKey(op string, parts ...string) string {
	return op + ":" + strings.Join(parts, ":")
}

// escapeKey protects the key delimiters and the caller department token so
// that values containing ':' ',' or "[login]" cannot alias another key.
func escapeKey(s string) string { return keyEscaper.Replace(s) }

var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	",", "%2C",
	"[", "%5B",
	"]", "%5D",
)

func joinKey(list []string) string {
	if len(list) == 0 {
		return ""
	}
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = escapeKey(v)
	}
	return strings.Join(out, ",")
}

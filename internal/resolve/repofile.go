package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emberops/ember/internal/catalog"
	"github.com/emberops/ember/internal/logx"
)

// gitShaRE matches a full git commit hash, in which case no branch lookup
// is needed before fetching the file.
var gitShaRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// alternateRefs maps a ref to the refs to try when the original is not
// found, so configs written against renamed default branches keep working.
var alternateRefs = map[string][]string{
	"master": {"main", "stable"},
}

// TemplateFetcher retrieves one component's deploy template at the given
// ref, returning the resolved commit hash and the raw template content.
type TemplateFetcher interface {
	Fetch(ctx context.Context, comp *catalog.ComponentConfig, ref string) (commit string, content []byte, err error)
}

// RepoFetcher fetches templates from github, gitlab, or a local checkout.
type RepoFetcher struct {
	client *http.Client

	githubAPIURL string
	githubRawURL string
	gitlabAPIURL string
	gitlabRawURL string

	githubToken string
	gitlabToken string
}

// NewRepoFetcher builds a RepoFetcher with the public github/gitlab
// endpoints. Tokens are read from GITHUB_TOKEN and GITLAB_TOKEN; either
// may be empty for anonymous access.
func NewRepoFetcher() *RepoFetcher {
	return &RepoFetcher{
		client:       &http.Client{Timeout: 30 * time.Second},
		githubAPIURL: "https://api.github.com",
		githubRawURL: "https://raw.githubusercontent.com",
		gitlabAPIURL: "https://gitlab.com/api/v4",
		gitlabRawURL: "https://gitlab.com",
		githubToken:  os.Getenv("GITHUB_TOKEN"),
		gitlabToken:  os.Getenv("GITLAB_TOKEN"),
	}
}

// Fetch implements TemplateFetcher. ref overrides the component's
// configured ref when non-empty.
func (f *RepoFetcher) Fetch(ctx context.Context, comp *catalog.ComponentConfig, ref string) (string, []byte, error) {
	if ref == "" {
		ref = comp.Ref
	}
	if ref == "" {
		ref = "master"
	}
	path := comp.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	switch comp.Host {
	case "github":
		return f.fetchGithub(ctx, comp.Repo, path, ref)
	case "gitlab":
		return f.fetchGitlab(ctx, comp.Repo, path, ref)
	case "local":
		return fetchLocal(ctx, comp.Repo, path)
	default:
		return "", nil, fmt.Errorf("invalid repo host type: %q", comp.Host)
	}
}

// resolveRef tries ref and its alternates, returning the first commit hash
// lookup that succeeds. lookup returns ("", nil) for a plain not-found.
func resolveRef(ref string, lookup func(ref string) (string, error)) (string, error) {
	refsToTry := append([]string{ref}, alternateRefs[ref]...)
	for i, candidate := range refsToTry {
		commit, err := lookup(candidate)
		if err != nil {
			return "", err
		}
		if commit != "" {
			logx.Logger().Debug("resolved git ref", "ref", candidate, "commit", commit)
			return commit, nil
		}
		if i+1 < len(refsToTry) {
			logx.Logger().Info("git ref not found, trying alternate",
				"ref", candidate, "alternate", refsToTry[i+1])
		}
	}
	return "", fmt.Errorf("git ref %q not found (alternates tried: %s)",
		ref, strings.Join(alternateRefs[ref], ", "))
}

func (f *RepoFetcher) fetchGithub(ctx context.Context, repo, path, ref string) (string, []byte, error) {
	commit := ref
	if !gitShaRE.MatchString(commit) {
		resolved, err := resolveRef(ref, func(ref string) (string, error) {
			var out struct {
				Object struct {
					SHA string `json:"sha"`
				} `json:"object"`
			}
			u := fmt.Sprintf("%s/repos/%s/git/refs/heads/%s", f.githubAPIURL, repo, ref)
			found, err := f.getJSON(ctx, u, f.githubHeaders(), &out)
			if err != nil || !found {
				return "", err
			}
			return out.Object.SHA, nil
		})
		if err != nil {
			return "", nil, fmt.Errorf("resolving github ref for %s: %w", repo, err)
		}
		commit = resolved
	}

	u := fmt.Sprintf("%s/%s/%s%s", f.githubRawURL, repo, commit, path)
	content, err := f.getRaw(ctx, u, f.githubHeaders())
	if err != nil {
		return "", nil, fmt.Errorf("fetching %s from github repo %s: %w", path, repo, err)
	}
	return commit, content, nil
}

func (f *RepoFetcher) fetchGitlab(ctx context.Context, repo, path, ref string) (string, []byte, error) {
	project := url.PathEscape(repo)
	commit := ref
	if !gitShaRE.MatchString(commit) {
		resolved, err := resolveRef(ref, func(ref string) (string, error) {
			var out struct {
				Commit struct {
					ID string `json:"id"`
				} `json:"commit"`
			}
			u := fmt.Sprintf("%s/projects/%s/repository/branches/%s", f.gitlabAPIURL, project, url.PathEscape(ref))
			found, err := f.getJSON(ctx, u, f.gitlabHeaders(), &out)
			if err != nil || !found {
				return "", err
			}
			return out.Commit.ID, nil
		})
		if err != nil {
			return "", nil, fmt.Errorf("resolving gitlab ref for %s: %w", repo, err)
		}
		commit = resolved
	}

	u := fmt.Sprintf("%s/%s/-/raw/%s%s", f.gitlabRawURL, repo, commit, path)
	content, err := f.getRaw(ctx, u, f.gitlabHeaders())
	if err != nil {
		return "", nil, fmt.Errorf("fetching %s from gitlab repo %s: %w", path, repo, err)
	}
	return commit, content, nil
}

// fetchLocal reads the template from a checkout on disk, using the repo
// field as the checkout directory.
func fetchLocal(ctx context.Context, repoDir, path string) (string, []byte, error) {
	if strings.HasPrefix(repoDir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil, fmt.Errorf("expanding repo dir %q: %w", repoDir, err)
		}
		repoDir = filepath.Join(home, strings.TrimPrefix(repoDir, "~"))
	}

	out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", nil, fmt.Errorf("reading HEAD commit of %s: %w", repoDir, err)
	}
	commit := strings.TrimSpace(string(out))

	content, err := os.ReadFile(filepath.Join(repoDir, strings.TrimPrefix(path, "/")))
	if err != nil {
		return "", nil, fmt.Errorf("reading local template: %w", err)
	}
	return commit, content, nil
}

func (f *RepoFetcher) githubHeaders() http.Header {
	h := http.Header{}
	if f.githubToken != "" {
		h.Set("Authorization", "token "+f.githubToken)
	}
	return h
}

func (f *RepoFetcher) gitlabHeaders() http.Header {
	h := http.Header{}
	if f.gitlabToken != "" {
		h.Set("PRIVATE-TOKEN", f.gitlabToken)
	}
	return h
}

// getJSON performs a GET and decodes the response body into out. A 404 is
// reported as (false, nil) so ref resolution can try alternates.
func (f *RepoFetcher) getJSON(ctx context.Context, url string, headers http.Header, out any) (bool, error) {
	body, status, err := f.get(ctx, url, headers)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, httpStatusError(url, status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return true, nil
}

func (f *RepoFetcher) getRaw(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	body, status, err := f.get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, httpStatusError(url, status, body)
	}
	return body, nil
}

func (f *RepoFetcher) get(ctx context.Context, url string, headers http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header = headers
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, resp.StatusCode, nil
}

func httpStatusError(url string, status int, body []byte) error {
	if status == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "api rate limit exceeded") {
		return fmt.Errorf("http 403 from %s: api rate limit exceeded, set GITHUB_TOKEN to authenticate", url)
	}
	return fmt.Errorf("http %d from %s", status, url)
}

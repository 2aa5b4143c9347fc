package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

const defaultGitHubBaseURL = "https://api.github.com"

// defaultMaxRepos bounds the per-sync repository walk; commits and PRs are
// fetched per repository.
const defaultMaxRepos = 10

// GitHub pulls recent commits, pull requests and newly opened issues
// across the user's repositories. Credentials: token. Settings: base_url,
// max_repos.
type GitHub struct {
	fetcher *Fetcher
	ttls    TTLs
}

// NewGitHub creates the code-host adapter.
func NewGitHub(f *Fetcher, ttls TTLs) *GitHub {
	return &GitHub{fetcher: f, ttls: ttls}
}

func (g *GitHub) Kind() Kind { return KindGitHub }

type githubRepo struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Fork     bool   `json:"fork"`
	PushedAt string `json:"pushed_at"`
}

type githubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message   string `json:"message"`
		Committer struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"committer"`
		Author struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	HTMLURL string `json:"html_url"`
}

type githubPull struct {
	ID        int64  `json:"id"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	MergedAt  string `json:"merged_at"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	HTMLURL   string `json:"html_url"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

type githubIssue struct {
	ID        int64  `json:"id"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	HTMLURL   string `json:"html_url"`
	// The issues endpoint also returns pull requests; those carry this key.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type githubCommitEnvelope struct {
	Type   string       `json:"type"` // "commit"
	Repo   string       `json:"repo"`
	Commit githubCommit `json:"commit"`
}

type githubPullEnvelope struct {
	Type string     `json:"type"` // "pull"
	Repo string     `json:"repo"`
	Pull githubPull `json:"pull"`
}

type githubIssueEnvelope struct {
	Type  string      `json:"type"` // "issue"
	Repo  string      `json:"repo"`
	Issue githubIssue `json:"issue"`
}

func (g *GitHub) FetchSince(ctx context.Context, cfg Config, since time.Time, limit int, emit EmitFunc) error {
	base := cfg.Setting("base_url", defaultGitHubBaseURL)
	headers := map[string]string{
		"Authorization":        "Bearer " + cfg.Credentials["token"],
		"X-GitHub-Api-Version": "2022-11-28",
	}

	maxRepos := defaultMaxRepos
	if v := cfg.Setting("max_repos", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxRepos = n
		}
	}

	var repos []githubRepo
	if err := g.fetcher.getJSON(ctx, request{
		kind: KindGitHub, endpointClass: "repos",
		url:     base + "/user/repos",
		params:  map[string]string{"sort": "pushed", "direction": "desc", "per_page": "50"},
		headers: headers,
		ttl:     g.ttls.Listing,
	}, &repos); err != nil {
		return err
	}
	if len(repos) > maxRepos {
		repos = repos[:maxRepos]
	}

	emitted := 0
	for _, repo := range repos {
		// Skip repos with no pushes since the cursor; saves per-repo calls.
		if !since.IsZero() && repo.PushedAt != "" {
			if pushed, err := time.Parse(time.RFC3339, repo.PushedAt); err == nil && pushed.Before(since) {
				continue
			}
		}

		var commits []githubCommit
		commitParams := map[string]string{"per_page": "50"}
		if !since.IsZero() {
			commitParams["since"] = since.UTC().Format(time.RFC3339)
		}
		if err := g.fetcher.getJSON(ctx, request{
			kind: KindGitHub, endpointClass: "commits",
			url:     base + "/repos/" + repo.FullName + "/commits",
			params:  commitParams,
			headers: headers,
			ttl:     g.ttls.Recent,
		}, &commits); err != nil {
			return err
		}
		for _, c := range commits {
			if limit > 0 && emitted >= limit {
				return nil
			}
			occurred, _ := time.Parse(time.RFC3339, c.Commit.Committer.Date)
			obj, err := wrapNative(c.SHA, occurred, githubCommitEnvelope{Type: "commit", Repo: repo.FullName, Commit: c})
			if err != nil {
				return err
			}
			if err := emit(obj); err != nil {
				return err
			}
			emitted++
		}

		var pulls []githubPull
		if err := g.fetcher.getJSON(ctx, request{
			kind: KindGitHub, endpointClass: "pulls",
			url:     base + "/repos/" + repo.FullName + "/pulls",
			params:  map[string]string{"state": "all", "sort": "updated", "direction": "desc", "per_page": "30"},
			headers: headers,
			ttl:     g.ttls.Recent,
		}, &pulls); err != nil {
			return err
		}
		for _, p := range pulls {
			if limit > 0 && emitted >= limit {
				return nil
			}
			updated, _ := time.Parse(time.RFC3339, p.UpdatedAt)
			if !since.IsZero() && !updated.IsZero() && updated.Before(since) {
				continue
			}
			occurred := pullOccurredAt(p)
			obj, err := wrapNative(strconv.FormatInt(p.ID, 10), occurred, githubPullEnvelope{Type: "pull", Repo: repo.FullName, Pull: p})
			if err != nil {
				return err
			}
			if err := emit(obj); err != nil {
				return err
			}
			emitted++
		}

		var issues []githubIssue
		issueParams := map[string]string{"state": "all", "per_page": "30"}
		if !since.IsZero() {
			issueParams["since"] = since.UTC().Format(time.RFC3339)
		}
		if err := g.fetcher.getJSON(ctx, request{
			kind: KindGitHub, endpointClass: "issues",
			url:     base + "/repos/" + repo.FullName + "/issues",
			params:  issueParams,
			headers: headers,
			ttl:     g.ttls.Recent,
		}, &issues); err != nil {
			return err
		}
		for _, is := range issues {
			if limit > 0 && emitted >= limit {
				return nil
			}
			// Pull requests reappear here; they are already covered above.
			if is.PullRequest != nil {
				continue
			}
			created, _ := time.Parse(time.RFC3339, is.CreatedAt)
			// Only the opening counts as an event; churn on old issues
			// would otherwise resurface them on every sync.
			if !since.IsZero() && !created.IsZero() && created.Before(since) {
				continue
			}
			obj, err := wrapNative("issue-"+strconv.FormatInt(is.ID, 10), created, githubIssueEnvelope{Type: "issue", Repo: repo.FullName, Issue: is})
			if err != nil {
				return err
			}
			if err := emit(obj); err != nil {
				return err
			}
			emitted++
		}
	}
	return nil
}

// pullOccurredAt picks the merge time for merged PRs, the creation time
// otherwise.
func pullOccurredAt(p githubPull) time.Time {
	if p.MergedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.MergedAt); err == nil {
			return t
		}
	}
	t, _ := time.Parse(time.RFC3339, p.CreatedAt)
	return t
}

func (g *GitHub) Normalize(obj NativeObject) (storage.Activity, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(obj.Raw, &tag); err != nil {
		return storage.Activity{}, fmt.Errorf("parsing github object %s: %w", obj.ID, err)
	}

	switch tag.Type {
	case "issue":
		var env githubIssueEnvelope
		if err := json.Unmarshal(obj.Raw, &env); err != nil {
			return storage.Activity{}, fmt.Errorf("parsing github issue %s: %w", obj.ID, err)
		}
		return normalizeIssue(env)
	case "commit":
		var env githubCommitEnvelope
		if err := json.Unmarshal(obj.Raw, &env); err != nil {
			return storage.Activity{}, fmt.Errorf("parsing github commit %s: %w", obj.ID, err)
		}
		return normalizeCommit(env)
	case "pull":
		var env githubPullEnvelope
		if err := json.Unmarshal(obj.Raw, &env); err != nil {
			return storage.Activity{}, fmt.Errorf("parsing github pull %s: %w", obj.ID, err)
		}
		return normalizePull(env)
	default:
		return storage.Activity{}, fmt.Errorf("github object %s has unknown type %q", obj.ID, tag.Type)
	}
}

func normalizeCommit(env githubCommitEnvelope) (storage.Activity, error) {
	c := env.Commit
	if c.SHA == "" {
		return storage.Activity{}, fmt.Errorf("github commit missing sha")
	}
	occurred, err := time.Parse(time.RFC3339, c.Commit.Committer.Date)
	if err != nil {
		return storage.Activity{}, fmt.Errorf("github commit %s has invalid committer date %q", c.SHA, c.Commit.Committer.Date)
	}

	title := c.Commit.Message
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}

	return storage.Activity{
		SourceKind:     string(KindGitHub),
		SourceNativeID: c.SHA,
		ActivityKind:   ActivityCommit,
		Title:          title,
		Description:    c.Commit.Message,
		URL:            c.HTMLURL,
		Metadata: map[string]string{
			"repo":   env.Repo,
			"sha":    c.SHA,
			"author": c.Commit.Author.Name,
		},
		OccurredAt: occurred.UTC(),
		IngestedAt: time.Now().UTC(),
	}, nil
}

func normalizePull(env githubPullEnvelope) (storage.Activity, error) {
	p := env.Pull
	if p.ID == 0 || p.Title == "" {
		return storage.Activity{}, fmt.Errorf("github pull missing required fields")
	}
	occurred := pullOccurredAt(p)
	if occurred.IsZero() {
		return storage.Activity{}, fmt.Errorf("github pull #%d has no usable timestamp", p.Number)
	}

	kind := ActivityPROpen
	merged := p.MergedAt != ""
	if merged {
		kind = ActivityPRMerge
	}

	return storage.Activity{
		SourceKind:     string(KindGitHub),
		SourceNativeID: strconv.FormatInt(p.ID, 10),
		ActivityKind:   kind,
		Title:          p.Title,
		Description:    p.Body,
		URL:            p.HTMLURL,
		Metadata: map[string]string{
			"repo":   env.Repo,
			"number": strconv.Itoa(p.Number),
			"state":  p.State,
			"merged": fmt.Sprintf("%t", merged),
			"head":   p.Head.Ref,
			"base":   p.Base.Ref,
		},
		OccurredAt: occurred.UTC(),
		IngestedAt: time.Now().UTC(),
	}, nil
}

func normalizeIssue(env githubIssueEnvelope) (storage.Activity, error) {
	is := env.Issue
	if is.ID == 0 || is.Title == "" {
		return storage.Activity{}, fmt.Errorf("github issue missing required fields")
	}
	occurred, err := time.Parse(time.RFC3339, is.CreatedAt)
	if err != nil {
		return storage.Activity{}, fmt.Errorf("github issue #%d has invalid created_at %q", is.Number, is.CreatedAt)
	}

	return storage.Activity{
		SourceKind:     string(KindGitHub),
		SourceNativeID: "issue-" + strconv.FormatInt(is.ID, 10),
		ActivityKind:   ActivityIssueOpen,
		Title:          is.Title,
		Description:    is.Body,
		URL:            is.HTMLURL,
		Metadata: map[string]string{
			"repo":   env.Repo,
			"number": strconv.Itoa(is.Number),
			"state":  is.State,
		},
		OccurredAt: occurred.UTC(),
		IngestedAt: time.Now().UTC(),
	}, nil
}

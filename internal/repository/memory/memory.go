// Package memory provides an in-process Store used for local development
// (STORE=memory) and by service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/repository"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	environments map[string]domain.Environment
	teams        map[string]domain.Team
	bindings     map[bindingKey]domain.UserRoleBinding
	projects     map[string]domain.Project
	applications map[string]domain.Application
	domains      map[string]domain.Domain

	appLocks sync.Map
}

type bindingKey struct {
	teamID string
	userID string
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		environments: make(map[string]domain.Environment),
		teams:        make(map[string]domain.Team),
		bindings:     make(map[bindingKey]domain.UserRoleBinding),
		projects:     make(map[string]domain.Project),
		applications: make(map[string]domain.Application),
		domains:      make(map[string]domain.Domain),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateEnvironment(_ context.Context, env *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.environments {
		if existing.Name == env.Name {
			return repository.ErrConflict
		}
	}
	env.UpdatedAt = env.CreatedAt
	s.environments[env.ID] = cloneEnvironment(*env)
	return nil
}

func (s *Store) GetEnvironmentByID(_ context.Context, id string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.environments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneEnvironment(env)
	return &out, nil
}

func (s *Store) GetEnvironmentByName(_ context.Context, name string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, env := range s.environments {
		if env.Name == name {
			out := cloneEnvironment(env)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) UpdateEnvironment(_ context.Context, env *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; !ok {
		return repository.ErrNotFound
	}
	env.UpdatedAt = time.Now().UTC()
	s.environments[env.ID] = cloneEnvironment(*env)
	return nil
}

func (s *Store) DeleteEnvironment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.environments, id)
	for teamID, team := range s.teams {
		if team.EnvironmentID == id {
			s.deleteTeamLocked(teamID)
		}
	}
	for projectID, project := range s.projects {
		if project.EnvironmentID == id {
			s.deleteProjectLocked(projectID)
		}
	}
	return nil
}

func (s *Store) ListEnvironmentsByUser(_ context.Context, userID string) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	envs := make([]domain.Environment, 0)
	for key := range s.bindings {
		if key.userID != userID {
			continue
		}
		team, ok := s.teams[key.teamID]
		if !ok {
			continue
		}
		if _, dup := seen[team.EnvironmentID]; dup {
			continue
		}
		if env, ok := s.environments[team.EnvironmentID]; ok {
			seen[env.ID] = struct{}{}
			envs = append(envs, cloneEnvironment(env))
		}
	}
	for _, env := range s.environments {
		if _, dup := seen[env.ID]; dup || env.CreatedBy != userID {
			continue
		}
		seen[env.ID] = struct{}{}
		envs = append(envs, cloneEnvironment(env))
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].CreatedAt.After(envs[j].CreatedAt) })
	return envs, nil
}

func (s *Store) CreateTeam(_ context.Context, team *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[team.EnvironmentID]; !ok {
		return repository.ErrNotFound
	}
	for _, existing := range s.teams {
		if existing.EnvironmentID != team.EnvironmentID {
			continue
		}
		if existing.Name == team.Name || existing.Namespace == team.Namespace {
			return repository.ErrConflict
		}
	}
	s.teams[team.ID] = *team
	return nil
}

func (s *Store) GetTeamByID(_ context.Context, id string) (*domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &team, nil
}

func (s *Store) ListTeamsByEnvironment(_ context.Context, environmentID string) ([]domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	teams := make([]domain.Team, 0)
	for _, team := range s.teams {
		if team.EnvironmentID == environmentID {
			teams = append(teams, team)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].CreatedAt.Before(teams[j].CreatedAt) })
	return teams, nil
}

func (s *Store) DeleteTeam(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return repository.ErrNotFound
	}
	s.deleteTeamLocked(id)
	return nil
}

func (s *Store) UpsertBinding(_ context.Context, binding *domain.UserRoleBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[binding.TeamID]; !ok {
		return repository.ErrNotFound
	}
	key := bindingKey{teamID: binding.TeamID, userID: binding.UserID}
	now := time.Now().UTC()
	if existing, ok := s.bindings[key]; ok {
		binding.CreatedAt = existing.CreatedAt
	} else if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now
	s.bindings[key] = *binding
	return nil
}

func (s *Store) GetBinding(_ context.Context, teamID, userID string) (*domain.UserRoleBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	binding, ok := s.bindings[bindingKey{teamID: teamID, userID: userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &binding, nil
}

func (s *Store) ListBindings(_ context.Context, teamID string) ([]domain.UserRoleBinding, error) {
	return s.filterBindings(func(b domain.UserRoleBinding) bool { return b.TeamID == teamID }), nil
}

func (s *Store) ListBindingsByUser(_ context.Context, userID string) ([]domain.UserRoleBinding, error) {
	return s.filterBindings(func(b domain.UserRoleBinding) bool { return b.UserID == userID }), nil
}

func (s *Store) DeleteBinding(_ context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey{teamID: teamID, userID: userID}
	if _, ok := s.bindings[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.bindings, key)
	return nil
}

// CreateProject seeds a project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[project.EnvironmentID]; !ok {
		return repository.ErrNotFound
	}
	if project.TeamID != "" {
		if _, ok := s.teams[project.TeamID]; !ok {
			return repository.ErrNotFound
		}
	}
	s.projects[project.ID] = *project
	return nil
}

func (s *Store) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

// CreateApplication seeds an application; (project, name) is unique.
func (s *Store) CreateApplication(_ context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[app.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	for _, existing := range s.applications {
		if existing.ProjectID == app.ProjectID && existing.Name == app.Name {
			return repository.ErrConflict
		}
	}
	if app.BuildStatus == "" {
		app.BuildStatus = domain.BuildPending
	}
	if app.Status == "" {
		app.Status = domain.AppCreated
	}
	if app.Replicas == 0 {
		app.Replicas = 1
	}
	s.applications[app.ID] = *app
	return nil
}

func (s *Store) GetApplicationByID(_ context.Context, id string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &app, nil
}

func (s *Store) UpdateApplication(_ context.Context, id string, fn func(*domain.Application) error) (*domain.Application, error) {
	lock := s.appLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.applications[id]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := fn(&current); err != nil {
		return nil, err
	}
	current.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[id]; !ok {
		return nil, repository.ErrNotFound
	}
	s.applications[id] = current
	out := current
	return &out, nil
}

// CreateDomain seeds a domain binding.
func (s *Store) CreateDomain(_ context.Context, d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applications[d.ApplicationID]; !ok {
		return repository.ErrNotFound
	}
	s.domains[d.ID] = *d
	return nil
}

func (s *Store) ListDomains(_ context.Context, applicationID string) ([]domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Domain, 0)
	for _, d := range s.domains {
		if d.ApplicationID == applicationID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) appLock(id string) *sync.Mutex {
	lock, _ := s.appLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Store) filterBindings(keep func(domain.UserRoleBinding) bool) []domain.UserRoleBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserRoleBinding, 0)
	for _, b := range s.bindings {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) deleteTeamLocked(id string) {
	delete(s.teams, id)
	for key := range s.bindings {
		if key.teamID == id {
			delete(s.bindings, key)
		}
	}
	for projectID, project := range s.projects {
		if project.TeamID == id {
			project.TeamID = ""
			s.projects[projectID] = project
		}
	}
}

func (s *Store) deleteProjectLocked(id string) {
	delete(s.projects, id)
	for appID, app := range s.applications {
		if app.ProjectID != id {
			continue
		}
		delete(s.applications, appID)
		for domainID, d := range s.domains {
			if d.ApplicationID == appID {
				delete(s.domains, domainID)
			}
		}
	}
}

func cloneEnvironment(env domain.Environment) domain.Environment {
	if env.Kubeconfig != nil {
		env.Kubeconfig = append([]byte(nil), env.Kubeconfig...)
	}
	return env
}

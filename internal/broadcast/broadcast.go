// Package broadcast implements the Broadcast/Mail Router: it resolves
// group addresses to concrete recipients and dual-delivers a message via
// pane injection and durable mail, tracking per-recipient delivery status.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/ids"
	"github.com/foreman-fleet/foreman/internal/mailclient"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/foreman-fleet/foreman/internal/spawner"
	"github.com/foreman-fleet/foreman/internal/tmux"
)

// Mode governs which delivery channels a send attempts.
type Mode string

const (
	Both     Mode = "both"
	TmuxOnly Mode = "tmux-only"
	MailOnly Mode = "mail-only"
)

// ProjectResolver maps a recipient agent name to the project root it's
// registered under, needed for cross-project sends where the recipient
// lives in a different project than the sender.
type ProjectResolver interface {
	ProjectRootFor(agentName string) (string, bool)
}

// Router is the Broadcast/Mail Router component.
type Router struct {
	root       string
	reg        *registry.Registry
	tm         *tmux.Tmux
	mail       *mailclient.Client
	resolver   ProjectResolver
	senderName string
}

func New(root string, reg *registry.Registry, tm *tmux.Tmux, mail *mailclient.Client, resolver ProjectResolver, senderName string) *Router {
	return &Router{root: root, reg: reg, tm: tm, mail: mail, resolver: resolver, senderName: senderName}
}

// RecipientStatus is the per-recipient delivery outcome.
type RecipientStatus struct {
	Agent  string
	TmuxOK bool
	MailOK bool
	Err    string
}

// Result is the outcome of a Send: per-recipient status and whether the
// send counts as an overall success.
type Result struct {
	Recipients []RecipientStatus
	Success    bool
	DryRun     bool
}

// Message is one broadcast to send.
type Message struct {
	Sender     string
	To         string // group address or plain agent name
	Subject    string
	Body       string
	Mode       Mode
	DryRun     bool
	Importance string // "" defaults to normal; URGENT/BLOCKER tags upgrade it
}

// Send resolves Message.To to concrete recipients and delivers to each
// concurrently, joining before returning so one slow recipient never
// serializes the whole broadcast.
func (r *Router) Send(ctx context.Context, msg Message) (Result, error) {
	importance := resolveImportance(msg.Importance, msg.Subject, msg.Body)
	mode := msg.Mode
	if mode == "" {
		mode = Both
	}

	agents, err := r.resolveGroup(msg.To)
	if err != nil {
		return Result{}, err
	}
	if len(agents) == 0 {
		return Result{}, ferrors.Newf(ferrors.NotFound, "no recipients resolved for %q", msg.To)
	}

	if msg.DryRun {
		var statuses []RecipientStatus
		for _, a := range agents {
			statuses = append(statuses, RecipientStatus{Agent: a})
		}
		return Result{Recipients: statuses, Success: true, DryRun: true}, nil
	}

	type outcome struct {
		idx    int
		status RecipientStatus
	}
	results := make(chan outcome, len(agents))
	for i, agent := range agents {
		go func(i int, agent string) {
			results <- outcome{i, r.deliverOne(ctx, msg.Sender, agent, msg.Subject, msg.Body, importance, mode)}
		}(i, agent)
	}

	statuses := make([]RecipientStatus, len(agents))
	for range agents {
		o := <-results
		statuses[o.idx] = o.status
	}

	success := true
	for _, s := range statuses {
		switch mode {
		case TmuxOnly:
			success = success && s.TmuxOK
		case MailOnly:
			success = success && s.MailOK
		default:
			success = success && (s.TmuxOK || s.MailOK)
		}
	}

	return Result{Recipients: statuses, Success: success}, nil
}

func (r *Router) deliverOne(ctx context.Context, sender, agent, subject, body, importance string, mode Mode) RecipientStatus {
	status := RecipientStatus{Agent: agent}

	if mode == Both || mode == TmuxOnly {
		if err := r.injectPane(agent, subject, body); err != nil {
			status.Err = err.Error()
		} else {
			status.TmuxOK = true
		}
	}

	if (mode == Both || mode == MailOnly) && r.mail != nil {
		projectKey, sendAs, err := r.resolveSenderIdentity(ctx, sender, agent)
		if err != nil {
			if status.Err == "" {
				status.Err = err.Error()
			}
			return status
		}
		err = r.mail.SendMessage(ctx, mailclient.SendMessageParams{
			ProjectKey: projectKey, Sender: sendAs, Recipient: agent,
			Subject: subject, Body: body, Importance: importance,
		})
		if err != nil {
			if status.Err == "" {
				status.Err = err.Error()
			}
		} else {
			status.MailOK = true
		}
	}

	return status
}

// injectPane writes a commented, non-executing line into agent's pane. The
// leading "#" and absence of a trailing Enter keep it inert even if the
// agent's shell happens to be at a prompt mid-command.
func (r *Router) injectPane(agent, subject, body string) error {
	paneID, ok := r.findLivePane(agent)
	if !ok {
		return ferrors.Newf(ferrors.NotFound, "no live pane bound to %s", agent)
	}
	line := fmt.Sprintf("# [broadcast] %s: %s", subject, oneLine(body))
	return r.tm.SendKeysLiteral(paneID, line)
}

func (r *Router) findLivePane(agent string) (string, bool) {
	return r.reg.LivePaneFor(agent)
}

// resolveSenderIdentity resolves per-recipient sender identity for
// cross-project sends: look up the recipient's project root, ensure the
// project exists there, ensure the sender is registered there, then return
// the project key and the name to send as.
func (r *Router) resolveSenderIdentity(ctx context.Context, sender, recipient string) (string, string, error) {
	projectKey := r.root
	sendAs := sender
	if sendAs == "" {
		sendAs = r.senderName
	}

	if r.resolver == nil {
		return projectKey, sendAs, nil
	}
	if root, ok := r.resolver.ProjectRootFor(recipient); ok && root != "" {
		projectKey = root
		if err := r.mail.EnsureProject(ctx, projectKey); err != nil {
			return "", "", err
		}
		if err := r.mail.RegisterAgent(ctx, projectKey, sendAs); err != nil {
			return "", "", err
		}
	}
	return projectKey, sendAs, nil
}

// NotifyTeardown sends a shutdown broadcast to a swarm, satisfying the
// spawner package's Notifier interface.
func (r *Router) NotifyTeardown(swarmName, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := r.Send(ctx, Message{
		Sender:  r.senderName,
		To:      "@swarm:" + swarmName,
		Subject: "swarm teardown",
		Body:    fmt.Sprintf("Swarm %q is being torn down: %s", swarmName, reason),
	})
	return err
}

// Notify is a convenience single-recipient send, satisfying the
// reservation package's Messenger interface.
func (r *Router) Notify(agent, subject, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := r.Send(ctx, Message{Sender: r.senderName, To: agent, Subject: subject, Body: body})
	return err
}

// NotifyCoordinators sends to the @coordinators group, satisfying the
// monitor package's CoordinatorNotifier interface.
func (r *Router) NotifyCoordinators(subject, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := r.Send(ctx, Message{Sender: r.senderName, To: "@coordinators", Subject: subject, Body: body})
	return err
}

// --- group resolution ---

func (r *Router) resolveGroup(addr string) ([]string, error) {
	group := ids.ParseGroup(addr)

	active, err := r.reg.Active()
	if err != nil {
		return nil, err
	}

	switch group.Kind {
	case ids.Individual:
		return []string{group.Name}, nil
	case ids.Active:
		return namesOf(active), nil
	case ids.All:
		return r.allKnownAgents()
	case ids.Type:
		var names []string
		for _, a := range active {
			if a.Type == group.Name {
				names = append(names, a.Name)
			}
		}
		return names, nil
	case ids.Swarm:
		return r.swarmMembers(group.Name)
	case ids.Coordinators:
		var names []string
		for _, a := range active {
			if r.isCoordinator(a.Type) {
				names = append(names, a.Name)
			}
		}
		return names, nil
	default:
		return []string{group.Name}, nil
	}
}

// allKnownAgents resolves @all: every agent with a known identity,
// regardless of whether its pane is currently live. This is a strict
// superset of @active, which registry.Active narrows to live panes only.
func (r *Router) allKnownAgents() ([]string, error) {
	all, err := r.reg.All()
	if err != nil {
		return nil, err
	}
	return namesOf(all), nil
}

func (r *Router) swarmMembers(session string) ([]string, error) {
	sp := spawner.New(r.root, r.tm, r.reg, nil, nil, nil, nil)
	state, err := sp.LoadSwarmState(session)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(state.Agents))
	for _, a := range state.Agents {
		names = append(names, a.Name)
	}
	return names, nil
}

func (r *Router) isCoordinator(agentType string) bool {
	if strings.EqualFold(agentType, "coordinator") {
		return true
	}
	caps, err := r.reg.Capabilities(agentType)
	if err != nil {
		return false
	}
	for _, c := range caps {
		if strings.EqualFold(c, "coordination") {
			return true
		}
	}
	return false
}

func namesOf(instances []registry.AgentInstance) []string {
	names := make([]string, 0, len(instances))
	for _, a := range instances {
		names = append(names, a.Name)
	}
	return names
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", " "), "\n", " ")
}

// resolveImportance defaults to normal, upgrading to urgent when the
// subject or body carries an URGENT or BLOCKER tag.
func resolveImportance(explicit, subject, body string) string {
	if explicit != "" {
		return explicit
	}
	combined := strings.ToUpper(subject + " " + body)
	if strings.Contains(combined, "URGENT") || strings.Contains(combined, "BLOCKER") {
		return "urgent"
	}
	return "normal"
}

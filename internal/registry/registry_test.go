package registry

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
)

func TestRegisterKeepsRegistrationOrder(t *testing.T) {
	registry := New()
	registry.Register("a", RoleNode)
	registry.Register("b", RoleNode)
	registry.Register("c", RoleNode)
	registry.Register("b", RoleNode)

	want := []string{"a", "b", "c"}
	if got := registry.ListNodeIDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestReRegisterMovesBetweenRoles(t *testing.T) {
	registry := New()
	registry.Register("a", RoleNode)
	registry.Register("b", RoleNode)
	registry.Register("a", RoleAdmin)

	if registry.CountNodes() != 1 || registry.CountAdmins() != 1 {
		t.Fatalf("expected 1 node and 1 admin, got %d and %d", registry.CountNodes(), registry.CountAdmins())
	}
	if registry.InGroup("a", GroupNodes) {
		t.Fatal("a should have left the nodes group")
	}
	if !registry.InGroup("a", GroupAdmins) {
		t.Fatal("a should be in the admins group")
	}

	registry.Register("a", RoleNode)
	if got := registry.ListNodeIDs(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("expected re-registered node at the end, got %v", got)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	registry := New()
	registry.Register("a", RoleAdmin)
	registry.Unregister("a")
	registry.Unregister("a")
	registry.Unregister("missing")

	if registry.CountAdmins() != 0 {
		t.Fatalf("expected no admins, got %d", registry.CountAdmins())
	}
	if registry.Role("a") != RoleUnassigned {
		t.Fatalf("expected unassigned role, got %q", registry.Role("a"))
	}
}

func TestRegisterIgnoresInvalidInput(t *testing.T) {
	registry := New()
	registry.Register("", RoleNode)
	registry.Register("a", RoleUnassigned)
	if registry.CountNodes() != 0 || registry.CountAdmins() != 0 {
		t.Fatal("expected invalid registrations to be ignored")
	}
}

func TestAddParticleOnlyForNodes(t *testing.T) {
	registry := New()
	registry.Register("n", RoleNode)
	registry.Register("adm", RoleAdmin)

	if !registry.AddParticle("n", "alice_q1") {
		t.Fatal("expected particle on node")
	}
	if registry.AddParticle("adm", "bob_q1") {
		t.Fatal("admins carry no particles")
	}

	nodes := registry.Nodes()
	if len(nodes) != 1 || !reflect.DeepEqual(nodes[0].Particles, []string{"alice_q1"}) {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	nodes[0].Particles[0] = "mutated"
	if registry.Nodes()[0].Particles[0] != "alice_q1" {
		t.Fatal("Nodes must return copies")
	}
}

func TestRolesStayDisjointUnderRandomRegistrations(t *testing.T) {
	registry := New()
	random := rand.New(rand.NewPCG(1, 2))
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("conn-%d", i)
	}
	seen := make(map[string]struct{})

	for step := 0; step < 500; step++ {
		id := ids[random.IntN(len(ids))]
		switch random.IntN(3) {
		case 0:
			registry.Register(id, RoleNode)
			seen[id] = struct{}{}
		case 1:
			registry.Register(id, RoleAdmin)
			seen[id] = struct{}{}
		default:
			registry.Unregister(id)
		}

		if registry.CountNodes()+registry.CountAdmins() > len(seen) {
			t.Fatalf("step %d: counts exceed unique ids", step)
		}
		for _, node := range registry.ListNodeIDs() {
			if registry.InGroup(node, GroupAdmins) {
				t.Fatalf("step %d: %s is both node and admin", step, node)
			}
		}
	}
}

func TestParseRole(t *testing.T) {
	if role, ok := ParseRole(" Node "); !ok || role != RoleNode {
		t.Fatalf("expected node, got %q %v", role, ok)
	}
	if _, ok := ParseRole("guest"); ok {
		t.Fatal("expected guest to be rejected")
	}
}

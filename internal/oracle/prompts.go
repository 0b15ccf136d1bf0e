package oracle

// UndoMarker separates the forward script from its reversal in a generation
// response. Everything above the marker executes the effect, everything below
// restores the world.
const UndoMarker = "---UNDO---"

// gluaSystemPrompt is the ground-rules system prompt for script generation.
// The executor runs inside a Garry's Mod server playing through Half-Life 2,
// so generated code has to respect the server/client split and never soft-lock
// the story.
const gluaSystemPrompt = `You are an expert Lua scripter for Garry's Mod (GLua).
You will receive a request from a livestream chat and the current map name.
The chat is controlling the streamer's playthrough of Half-Life 2 via your generated scripts.
Generate valid GLua code to execute that request immediately.

GROUND RULES:
1. **Server vs Client Architecture:**
   - You are executing in a SERVER environment.
   - For Physics, Health, Entities, Spawning, and Gravity: write standard code.
   - For **UI, HUD, Screen Effects, or Client Sounds**: you CANNOT write them directly. Wrap that specific code inside RunOnClient([=[ ... ]=]).
   - LocalPlayer() is only valid inside the RunOnClient wrapper. On the server layer, use player.GetAll() or Entity(1).

2. **Temporary Effects:** If the effect is disruptive (blindness, gravity, speed, spawning enemies, screen overlays), you MUST schedule a reversion with timer.Simple.
   - Light effects can be permanent (a few props, friendly npcs, chat messages).
   - Mild effects: 15 seconds to 1 minute.
   - Heavy/chaos effects: 5-10 seconds.

3. **Anti-Softlock:** NEVER call entity:Remove() on key story objects, NPCs, or the results of generic entity searches. Use SetNoDraw(true) and SetCollisionGroup(COLLISION_GROUP_IN_VEHICLE) to hide them, then revert in the timer.

4. **Safety:** No os.execute, no outbound http.Fetch, no file system writes. Do not crash the server; temporary lag or up to 100 spawned entities for comedic effect is fine.

5. **Humor:** If a request is malicious, do a fake harmless version of it instead.

6. **POV Awareness:** Make effects happen where the player can see them. Spawn things in front of the player, not behind them or at the world origin.

7. NEVER change the level.

8. Advanced UI may use HTML and JS in a DHTML panel; call MakePopup() only when the effect needs mouse interaction.

OUTPUT FORMAT:
Return ONLY raw Lua code, no markdown backticks and no prose.
First the script that performs the effect.
Then a line containing exactly ` + UndoMarker + `
Then a script that fully restores the world state, for effects the streamer may want reverted early. If the effect reverts itself and nothing else can be undone, leave the section after the marker empty.

--- EXAMPLES ---

INPUT: "Disable gravity"
OUTPUT:
RunConsoleCommand("sv_gravity", "0")
timer.Simple(10, function() RunConsoleCommand("sv_gravity", "600") end)
` + UndoMarker + `
RunConsoleCommand("sv_gravity", "600")

INPUT: "Make everyone tiny"
OUTPUT:
for _, v in pairs(player.GetAll()) do
    v:SetModelScale(0.2, 1)
end
timer.Simple(10, function()
    for _, v in pairs(player.GetAll()) do
        v:SetModelScale(1, 1)
    end
end)
` + UndoMarker + `
for _, v in pairs(player.GetAll()) do
    v:SetModelScale(1, 1)
end`

// gluaFixPrompt frames a repair request around the failing script and the
// executor's error output.
const gluaFixPrompt = `A GLua script you generated failed when executed in the game. Fix it.

Original request: %s

Failing script:
%s

Executor error:
%s

Return the corrected script in the same output format: raw Lua, then a line with ` + UndoMarker + `, then the undo script. No markdown, no explanations.`

// gluaIteratePrompt drives one step of an iterative session. The model walks
// the world through discovery scripts before committing a final effect.
const gluaIteratePrompt = `You are building a GLua effect step by step inside a live Garry's Mod server.
You may first run small discovery scripts to inspect the world (entity positions, player state, map features), then commit the final effect once you know enough.

Respond in exactly this format:
PHASE: one of preparing, generating, testing, fixing, complete
THINKING: one line on what this step establishes
CODE:
<raw Lua for this step, or the final effect when phase is complete>

When the phase is complete, the CODE section must be the final effect script, then a line with ` + UndoMarker + `, then its undo script.

Request: %s
Iteration %d of %d.
Results of your previous step:
%s`
